// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package deploy

/*
#include <dlfcn.h>
#include <stdlib.h>
#include <string.h>

// The dl* error is thread local: it's copied in the same C call that failed.
static void* kd_dlopen(const char* path, char** err) {
  void* handle = dlopen(path, RTLD_NOW | RTLD_LOCAL);
  if (handle == NULL) {
    const char* msg = dlerror();
    *err = strdup(msg != NULL ? msg : "unknown dlopen error");
  }
  return handle;
}

static void* kd_dlsym(void* handle, const char* name, char** err) {
  dlerror();
  void* sym = dlsym(handle, name);
  if (sym == NULL) {
    const char* msg = dlerror();
    *err = strdup(msg != NULL ? msg : "symbol is NULL");
  }
  return sym;
}

static int kd_dlclose(void* handle, char** err) {
  int status = dlclose(handle);
  if (status != 0) {
    const char* msg = dlerror();
    *err = strdup(msg != NULL ? msg : "unknown dlclose error");
  }
  return status;
}
*/
import "C"

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

// libHandle owns a dlopen handle. It's kept apart from the Module so a GC cleanup can close it.
type libHandle struct {
	mu  sync.Mutex
	ptr unsafe.Pointer
}

func dlopen(path string) (*libHandle, error) {
	cPath := cString(path)
	defer cFree(cPath)
	var cErr *C.char
	ptr := C.kd_dlopen(cPath, &cErr)
	if ptr == nil {
		return nil, errors.New(strFree(cErr))
	}
	return &libHandle{ptr: ptr}, nil
}

func (h *libHandle) symbol(name string) (unsafe.Pointer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ptr == nil {
		return nil, errors.New("library already closed")
	}
	cName := cString(name)
	defer cFree(cName)
	var cErr *C.char
	sym := C.kd_dlsym(h.ptr, cName, &cErr)
	if sym == nil {
		return nil, errors.New(strFree(cErr))
	}
	return sym, nil
}

func (h *libHandle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ptr == nil {
		return nil
	}
	var cErr *C.char
	status := C.kd_dlclose(h.ptr, &cErr)
	h.ptr = nil
	if status != 0 {
		return errors.New(strFree(cErr))
	}
	return nil
}
