package bifaci

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Handle identifies the pipe pair of one channel. In is the stream the
// controller reads (the worker writes it); Out is the stream the
// controller writes (the worker reads it).
//
// An identifier is either a UUID naming a pipe end parked in this
// process's pipe table, or the decimal number of a file descriptor the
// worker process inherited.
type Handle struct {
	In  string
	Out string
}

// String serializes the handle as "<in>,<out>"
func (h Handle) String() string {
	return h.In + "," + h.Out
}

// ParseHandle parses the output of Handle.String
func ParseHandle(s string) (Handle, error) {
	in, out, ok := strings.Cut(strings.TrimSpace(s), ",")
	if !ok || in == "" || out == "" || strings.Contains(out, ",") {
		return Handle{}, ErrInvalidHandle.with(fmt.Errorf("malformed handle %q", s))
	}
	for _, id := range []string{in, out} {
		if !isPipeID(id) && !isDescriptor(id) {
			return Handle{}, ErrInvalidHandle.with(fmt.Errorf("unrecognized pipe identifier %q", id))
		}
	}
	return Handle{In: in, Out: out}, nil
}

// Open opens the worker's ends of the pipe pair: it reads Out and writes
// In. In-process pipe ends are removed from the pipe table, so a handle
// can be opened only once.
func (h Handle) Open() (io.ReadCloser, io.WriteCloser, error) {
	r, err := openPipe(h.Out, "out")
	if err != nil {
		return nil, nil, err
	}
	w, err := openPipe(h.In, "in")
	if err != nil {
		r.Close()
		return nil, nil, err
	}
	return r, w, nil
}

// pipeTable parks in-process pipe ends until the worker claims them
var pipeTable = struct {
	sync.Mutex
	files map[string]*os.File
}{files: make(map[string]*os.File)}

func registerPipe(f *os.File) string {
	id := uuid.NewString()
	pipeTable.Lock()
	pipeTable.files[id] = f
	pipeTable.Unlock()
	return id
}

func takePipe(id string) (*os.File, bool) {
	pipeTable.Lock()
	defer pipeTable.Unlock()
	f, ok := pipeTable.files[id]
	if ok {
		delete(pipeTable.files, id)
	}
	return f, ok
}

// releasePipe closes a parked pipe end nobody claimed
func releasePipe(id string) {
	if f, ok := takePipe(id); ok {
		f.Close()
	}
}

func openPipe(id, name string) (*os.File, error) {
	if isPipeID(id) {
		f, ok := takePipe(id)
		if !ok {
			return nil, ErrInvalidHandle.with(fmt.Errorf("pipe %s is unknown or already opened", id))
		}
		return f, nil
	}
	if isDescriptor(id) {
		fd, _ := strconv.Atoi(id)
		f := os.NewFile(uintptr(fd), "bifaci-"+name)
		if f == nil {
			return nil, ErrInvalidHandle.with(fmt.Errorf("bad file descriptor %d", fd))
		}
		return f, nil
	}
	return nil, ErrInvalidHandle.with(fmt.Errorf("unrecognized pipe identifier %q", id))
}

func isPipeID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func isDescriptor(id string) bool {
	n, err := strconv.Atoi(id)
	return err == nil && n >= 0 && strconv.Itoa(n) == id
}
