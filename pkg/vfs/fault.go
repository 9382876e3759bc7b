package vfs

import "sync"

// FaultFS wraps another FS and returns a configured error the next time a
// named operation runs against a given path, then clears that fault. It lets
// tests exercise the coordinator's recovery paths (IO_ERROR causes,
// partial-write handling) without corrupting a real disk.
type FaultFS struct {
	FS
	mu     sync.Mutex
	faults map[string]error
}

// NewFaultFS wraps the given FS (typically OS{}) with fault injection.
func NewFaultFS(underlying FS) *FaultFS {
	return &FaultFS{FS: underlying, faults: make(map[string]error)}
}

// FailNext arranges for the named operation on the given path to fail once
// with err. op is one of "create", "open", "rename", "removeall", "swap".
func (f *FaultFS) FailNext(op, path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op+":"+path] = err
}

func (f *FaultFS) take(op, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := op + ":" + path
	if err, ok := f.faults[key]; ok {
		delete(f.faults, key)
		return err
	}
	return nil
}

func (f *FaultFS) Create(path string) (File, error) {
	if err := f.take("create", path); err != nil {
		return nil, err
	}
	return f.FS.Create(path)
}

func (f *FaultFS) Open(path string) (File, error) {
	if err := f.take("open", path); err != nil {
		return nil, err
	}
	return f.FS.Open(path)
}

func (f *FaultFS) Rename(oldpath, newpath string) error {
	if err := f.take("rename", oldpath); err != nil {
		return err
	}
	return f.FS.Rename(oldpath, newpath)
}

func (f *FaultFS) RemoveAll(path string) error {
	if err := f.take("removeall", path); err != nil {
		return err
	}
	return f.FS.RemoveAll(path)
}

func (f *FaultFS) SwapDirectories(current, staged string) error {
	if err := f.take("swap", current); err != nil {
		return err
	}
	return f.FS.SwapDirectories(current, staged)
}
