package connstate

import "golang.org/x/sys/unix"

// FileOpener is the default Opener: O_DIRECT file opens, with O_NONBLOCK
// added when the owning transport manages non-blocking descriptors
// (epoll, AIO, io_uring).
type FileOpener struct {
	NonBlocking bool
}

func (o FileOpener) flags(extra int) int {
	f := extra
	if o.NonBlocking {
		f |= unix.O_NONBLOCK
	}
	return f
}

// OpenGet opens path read-only with O_DIRECT and stats its size.
func (o FileOpener) OpenGet(path string) (fd int, size int64, err error) {
	fd, err = unix.Open(path, o.flags(unix.O_RDONLY|unix.O_DIRECT), 0)
	if err != nil {
		return -1, 0, err
	}
	var st unix.Stat_t
	if err = unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return -1, 0, err
	}
	return fd, st.Size, nil
}

// OpenPut opens path for a fresh write with O_DIRECT, creating or
// truncating it as needed.
func (o FileOpener) OpenPut(path string) (fd int, err error) {
	fd, err = unix.Open(path, o.flags(unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_DIRECT), 0644)
	if err != nil {
		return -1, err
	}
	return fd, nil
}
