//go:build linux

package device

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// FileDevice is a Device on a regular file or a raw block device node.
type FileDevice struct {
	path      string
	file      *os.File
	size      int64
	blockSize int
}

// CreateFileDevice creates (or reuses) the file at path and sizes it to size bytes.
// Space is preallocated when the filesystem supports it.
func CreateFileDevice(path string, size int64) (*FileDevice, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create device file: %w", err)
	}
	if err := unix.Fallocate(int(file.Fd()), 0, 0, size); err != nil {
		// tmpfs and some overlay filesystems reject fallocate
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to size device file: %w", err)
		}
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to sync device file: %w", err)
	}
	return &FileDevice{path: path, file: file, size: size, blockSize: DefaultBlockSize}, nil
}

// OpenFileDevice opens an existing device file.
func OpenFileDevice(path string) (*FileDevice, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open device file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat device file: %w", err)
	}
	return &FileDevice{path: path, file: file, size: stat.Size(), blockSize: DefaultBlockSize}, nil
}

// ReadAt reads len(p) bytes at off. It handles EINTR and short reads.
func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(d, len(p), off); err != nil {
		return 0, err
	}
	fd := int(d.file.Fd())
	totalRead := 0
	for totalRead < len(p) {
		n, err := unix.Pread(fd, p[totalRead:], off+int64(totalRead))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return totalRead, fmt.Errorf("pread failed: %w", err)
		}
		if n == 0 {
			return totalRead, io.ErrUnexpectedEOF
		}
		totalRead += n
	}
	return totalRead, nil
}

// WriteAt writes len(p) bytes at off. It handles EINTR and short writes.
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange(d, len(p), off); err != nil {
		return 0, err
	}
	fd := int(d.file.Fd())
	totalWritten := 0
	for totalWritten < len(p) {
		n, err := unix.Pwrite(fd, p[totalWritten:], off+int64(totalWritten))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return totalWritten, fmt.Errorf("pwrite failed: %w", err)
		}
		if n == 0 {
			return totalWritten, fmt.Errorf("pwrite returned 0 bytes written")
		}
		totalWritten += n
	}
	return totalWritten, nil
}

// Sync flushes file data (not metadata) to stable storage.
func (d *FileDevice) Sync() error {
	for {
		err := unix.Fdatasync(int(d.file.Fd()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("fdatasync %s: %w", d.path, err)
		}
		return nil
	}
}

func (d *FileDevice) Size() int64    { return d.size }
func (d *FileDevice) BlockSize() int { return d.blockSize }
func (d *FileDevice) Path() string   { return d.path }

func (d *FileDevice) Close() error {
	return d.file.Close()
}
