package domain

import (
	"errors"

	"github.com/0xEthamin/hangar-back/pkg/crypto"
)

// Base errors. Callers wrap them with context and match with errors.Is.
var (
	ErrNotFound                = errors.New("not found")
	ErrValidation              = errors.New("validation failed")
	ErrAlreadyExists           = errors.New("already exists")
	ErrSourceUnreachable       = errors.New("source unreachable")
	ErrSourceNotFound          = errors.New("source not found")
	ErrBuildFailed             = errors.New("build failed")
	ErrRuntime                 = errors.New("container runtime error")
	ErrNameCollision           = errors.New("name collision")
	ErrDecryptionFailed        = crypto.ErrDecryptionFailed
	ErrPartialTeardown         = errors.New("partial teardown")
	ErrProvisionFailed         = errors.New("provision failed")
	ErrProvisionFailedOrphaned = errors.New("provision failed, server objects orphaned")
	ErrBusy                    = errors.New("entity busy")
)
