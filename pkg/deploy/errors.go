// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package deploy

import "github.com/pkg/errors"

var (
	// ErrLoad is returned (wrapped) when an artifact can't be loaded: the file doesn't exist, isn't a
	// loadable library for this host, or (in system-library mode) no symbols are registered.
	ErrLoad = errors.New("failed to load module")

	// ErrSymbolNotFound is returned (wrapped) when an entry name is not exported by a module.
	ErrSymbolNotFound = errors.New("symbol not found")

	// ErrInvocation is returned (wrapped) when a kernel call is rejected, either by the invoker (released
	// module or buffers) or by the kernel itself (non-zero status).
	ErrInvocation = errors.New("invocation failed")
)
