package catalog

import (
	"github.com/rucio/rucio-go/pkg/errors"
	"github.com/rucio/rucio-go/pkg/types"
)

// validateAttach enforces the containment invariants a new parent->child
// edge must satisfy: containers may contain containers or datasets;
// datasets may contain files only; files may never contain anything. A
// closed parent (IsOpen == false) rejects any new child.
func validateAttach(parent, child *types.DID) error {
	switch parent.Kind {
	case types.DIDKindFile:
		return errors.InvalidObject("a file data identifier cannot contain children")
	case types.DIDKindDataset:
		if child.Kind != types.DIDKindFile {
			return errors.InvalidObject("a dataset may only contain files")
		}
	case types.DIDKindContainer:
		if child.Kind == types.DIDKindFile {
			return errors.InvalidObject("a container may not directly contain a file")
		}
	}
	if !parent.IsOpen {
		return errors.UnsupportedStatus("attach_child", "closed")
	}
	return nil
}

// validateDetach enforces that a monotonic parent never releases content
// once attached.
func validateDetach(parent *types.DID) error {
	if parent.Monotonic {
		return errors.UnsupportedStatus("detach_child", "monotonic")
	}
	return nil
}

// validDIDKind reports whether kind is one of the three DID kinds. Kind is
// immutable once a DID is registered, so this is checked only at insert time.
func validDIDKind(kind types.DIDKind) bool {
	switch kind {
	case types.DIDKindFile, types.DIDKindDataset, types.DIDKindContainer:
		return true
	default:
		return false
	}
}
