/*******************************************************************************
 * Copyright (c) 2026 Genome Research Ltd.
 *
 * Authors:
 *   Sendu Bala <sb10@sanger.ac.uk>
 *
 * Permission is hereby granted, free of charge, to any person obtaining
 * a copy of this software and associated documentation files (the
 * "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish,
 * distribute, sublicense, and/or sell copies of the Software, and to
 * permit persons to whom the Software is furnished to do so, subject to
 * the following conditions:
 *
 * The above copyright notice and this permission notice shall be included
 * in all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND,
 * EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF
 * MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY
 * CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION OF CONTRACT,
 * TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 ******************************************************************************/

package store

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

const filePerms = 0o640

// Exists returns true if there is a file at path.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// CopyFile copies the file at src to dst, which must not already exist, and
// syncs it to disk before returning. A partially written dst is removed.
func CopyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}

	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerms)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(dst)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}

	if err = out.Sync(); err != nil {
		return err
	}

	return out.Close()
}

// SyncDir flushes a directory entry change (a create or rename) in dir to
// disk. Filesystems that don't support syncing directories are ignored.
func SyncDir(dir string) error {
	d, err := os.Open(filepath.Clean(dir))
	if err != nil {
		return err
	}

	defer d.Close()

	if err := d.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return err
	}

	return nil
}

// CheckRename returns an error if a file created in fromDir can't be renamed
// into toDir, as happens when they are on different filesystems. It leaves
// nothing behind in either directory.
func CheckRename(fromDir, toDir string) error {
	f, err := os.CreateTemp(fromDir, ".renamecheck_*")
	if err != nil {
		return err
	}

	src := f.Name()
	dst := filepath.Join(toDir, filepath.Base(src))

	if err = f.Close(); err != nil {
		_ = os.Remove(src)

		return err
	}

	if err = os.Rename(src, dst); err != nil {
		_ = os.Remove(src)

		return err
	}

	return os.Remove(dst)
}

// SameContent returns true if the files at a and b have identical bytes.
func SameContent(a, b string) (bool, error) {
	fa, err := os.Open(a)
	if err != nil {
		return false, err
	}

	defer fa.Close()

	fb, err := os.Open(b)
	if err != nil {
		return false, err
	}

	defer fb.Close()

	sa, err := fa.Stat()
	if err != nil {
		return false, err
	}

	sb, err := fb.Stat()
	if err != nil {
		return false, err
	}

	if sa.Size() != sb.Size() {
		return false, nil
	}

	return sameReaders(fa, fb)
}

const compareBufSize = 64 * 1024

func sameReaders(a, b io.Reader) (bool, error) {
	bufA := make([]byte, compareBufSize)
	bufB := make([]byte, compareBufSize)

	for {
		na, errA := io.ReadFull(a, bufA)
		nb, errB := io.ReadFull(b, bufB)

		if na != nb || string(bufA[:na]) != string(bufB[:nb]) {
			return false, nil
		}

		doneA := errors.Is(errA, io.EOF) || errors.Is(errA, io.ErrUnexpectedEOF)
		doneB := errors.Is(errB, io.EOF) || errors.Is(errB, io.ErrUnexpectedEOF)

		if errA != nil && !doneA {
			return false, errA
		}

		if errB != nil && !doneB {
			return false, errB
		}

		if doneA || doneB {
			return doneA == doneB, nil
		}
	}
}
