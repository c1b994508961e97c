package conveyor

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/rucio/rucio-go/pkg/errors"
)

// FTSClient is a minimal, rate-limited HTTP adapter satisfying TransferTool
// for FTS3-class external transfer services. The concrete wire protocol
// (checksum field names, certificate auth) is deliberately left to the
// caller's http.Client/headers configuration rather than hardcoded here.
type FTSClient struct {
	BaseURL string
	HTTP    *http.Client
	Limiter *rate.Limiter
}

// NewFTSClient constructs an FTSClient rate-limited to rps requests/second
// with a burst of burst.
func NewFTSClient(baseURL string, rps float64, burst int) *FTSClient {
	return &FTSClient{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Submit posts bulk as one FTS3 bulk-submission job. The request/response
// body shape is adapter-specific and intentionally left unimplemented here;
// see DESIGN.md for why the concrete wire format is out of scope.
func (f *FTSClient) Submit(ctx context.Context, bulk []TransferJob) (string, error) {
	if err := f.Limiter.Wait(ctx); err != nil {
		return "", err
	}
	return "", errors.UnsupportedOperation("FTSClient.Submit: concrete FTS3 wire protocol not implemented")
}

// BulkQuery polls FTS3 for the status of transferIDs.
func (f *FTSClient) BulkQuery(ctx context.Context, transferIDs []string) (map[string]QueryResult, error) {
	if err := f.Limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return nil, errors.UnsupportedOperation("FTSClient.BulkQuery: concrete FTS3 wire protocol not implemented")
}

// Cancel requests cancellation of transferID.
func (f *FTSClient) Cancel(ctx context.Context, transferID string) error {
	if err := f.Limiter.Wait(ctx); err != nil {
		return err
	}
	return errors.UnsupportedOperation("FTSClient.Cancel: concrete FTS3 wire protocol not implemented")
}
