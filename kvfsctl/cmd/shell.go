// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"kvfs.dev/kvfs/pkg/abi/linux"
	"kvfs.dev/kvfs/pkg/errors/linuxerr"
	"kvfs.dev/kvfs/pkg/sentry/kernel"
	sys "kvfs.dev/kvfs/pkg/sentry/syscalls/linux"
	"kvfs.dev/kvfs/pkg/sentry/vfs"
)

// readChunk is the buffer size used by cat and ls.
const readChunk = 4096

// shell executes devshell-style commands as a task. Each command is a line
// of whitespace-separated words; output goes to out.
type shell struct {
	ctx context.Context
	t   *kernel.Task
	out io.Writer
}

type shellCmd struct {
	// args is the number of required arguments. If variadic, more are
	// accepted.
	args     int
	variadic bool
	usage    string
	fn       func(s *shell, args []string) error
}

var shellCmds map[string]shellCmd

func init() {
	shellCmds = map[string]shellCmd{
		"cat":    {args: 1, variadic: true, usage: "cat <path>...", fn: (*shell).cat},
		"cd":     {args: 1, usage: "cd <dir>", fn: (*shell).cd},
		"help":   {usage: "help", fn: (*shell).help},
		"ls":     {variadic: true, usage: "ls [dir]...", fn: (*shell).ls},
		"mkdir":  {args: 1, variadic: true, usage: "mkdir <dir>...", fn: (*shell).mkdir},
		"mount":  {args: 2, variadic: true, usage: "mount <type> <path> [options]", fn: (*shell).mount},
		"mounts": {usage: "mounts", fn: (*shell).mounts},
		"pipe":   {args: 1, variadic: true, usage: "pipe <text>...", fn: (*shell).pipe},
		"pwd":    {usage: "pwd", fn: (*shell).pwd},
		"rm":     {args: 1, variadic: true, usage: "rm <path>...", fn: (*shell).rm},
		"rmdir":  {args: 1, variadic: true, usage: "rmdir <dir>...", fn: (*shell).rmdir},
		"stat":   {args: 1, variadic: true, usage: "stat <path>...", fn: (*shell).stat},
		"touch":  {args: 1, variadic: true, usage: "touch <path>...", fn: (*shell).touch},
		"umount": {args: 1, usage: "umount <path>", fn: (*shell).umount},
		"write":  {args: 1, variadic: true, usage: "write <path> [text]...", fn: (*shell).write},
		"append": {args: 1, variadic: true, usage: "append <path> [text]...", fn: (*shell).appendFile},
	}
}

// exec runs one command line. Blank lines and lines starting with '#' are
// ignored.
func (s *shell) exec(line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	words := strings.Fields(line)
	c, ok := shellCmds[words[0]]
	if !ok {
		return fmt.Errorf("%s: command not found", words[0])
	}
	args := words[1:]
	if len(args) < c.args || (!c.variadic && len(args) > c.args) {
		return fmt.Errorf("usage: %s", c.usage)
	}
	if err := c.fn(s, args); err != nil {
		return fmt.Errorf("%s: %w", words[0], err)
	}
	return nil
}

// prompt returns the interactive prompt, which shows the working directory.
func (s *shell) prompt() string {
	return fmt.Sprintf("kvfs:%s$ ", s.cwd())
}

func (s *shell) cwd() string {
	buf := make([]byte, linux.PATH_MAX)
	n, err := sys.Getcwd(s.t, buf)
	if err != nil {
		return "?"
	}
	return string(buf[:n-1])
}

func (s *shell) help(args []string) error {
	names := make([]string, 0, len(shellCmds))
	for name := range shellCmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(s.out, "  %s\n", shellCmds[name].usage)
	}
	return nil
}

func (s *shell) pwd(args []string) error {
	fmt.Fprintln(s.out, s.cwd())
	return nil
}

func (s *shell) cd(args []string) error {
	return sys.Chdir(s.ctx, s.t, args[0])
}

func (s *shell) mkdir(args []string) error {
	for _, p := range args {
		if err := sys.Mkdir(s.ctx, s.t, p, 0755); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (s *shell) rmdir(args []string) error {
	for _, p := range args {
		if err := sys.Rmdir(s.ctx, s.t, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (s *shell) rm(args []string) error {
	for _, p := range args {
		if err := sys.Unlink(s.ctx, s.t, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (s *shell) touch(args []string) error {
	for _, p := range args {
		fd, err := sys.Open(s.ctx, s.t, p, linux.O_WRONLY|linux.O_CREAT, 0644)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		sys.Close(s.ctx, s.t, fd)
	}
	return nil
}

func (s *shell) write(args []string) error {
	return s.writeFlags(args, linux.O_TRUNC)
}

func (s *shell) appendFile(args []string) error {
	return s.writeFlags(args, linux.O_APPEND)
}

// writeFlags writes the remaining arguments, joined by spaces and followed
// by a newline, to the file named by args[0].
func (s *shell) writeFlags(args []string, flags uint32) error {
	fd, err := sys.Open(s.ctx, s.t, args[0], linux.O_WRONLY|linux.O_CREAT|flags, 0644)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	defer sys.Close(s.ctx, s.t, fd)
	if len(args) == 1 {
		return nil
	}
	data := []byte(strings.Join(args[1:], " ") + "\n")
	for len(data) > 0 {
		n, err := sys.Write(s.ctx, s.t, fd, data)
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		data = data[n:]
	}
	return nil
}

// copyFD copies the descriptor fd to s.out until EOF.
func (s *shell) copyFD(fd int32) error {
	buf := make([]byte, readChunk)
	for {
		n, err := sys.Read(s.ctx, s.t, fd, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		s.out.Write(buf[:n])
	}
}

func (s *shell) cat(args []string) error {
	for _, p := range args {
		fd, err := sys.Open(s.ctx, s.t, p, linux.O_RDONLY, 0)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		err = s.copyFD(fd)
		sys.Close(s.ctx, s.t, fd)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (s *shell) ls(args []string) error {
	if len(args) == 0 {
		args = []string{"."}
	}
	for i, p := range args {
		if len(args) > 1 {
			if i > 0 {
				fmt.Fprintln(s.out)
			}
			fmt.Fprintf(s.out, "%s:\n", p)
		}
		if err := s.listDir(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// listDir prints one line per entry of the directory p, in directory order,
// with its type and name. "." and ".." are omitted.
func (s *shell) listDir(p string) error {
	fd, err := sys.Open(s.ctx, s.t, p, linux.O_RDONLY|linux.O_DIRECTORY, 0)
	if err != nil {
		return err
	}
	defer sys.Close(s.ctx, s.t, fd)
	buf := make([]byte, readChunk)
	for {
		n, err := sys.Getdents64(s.ctx, s.t, fd, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		for rest := buf[:n]; len(rest) > 0; {
			var d linux.Dirent64
			var ok bool
			if rest, ok = d.UnmarshalBytes(rest); !ok {
				return linuxerr.EIO
			}
			if d.Name == "." || d.Name == ".." {
				continue
			}
			fmt.Fprintf(s.out, "%-7s %s\n", direntTypeName(d.Type), d.Name)
		}
	}
}

func direntTypeName(t uint8) string {
	switch t {
	case linux.DT_DIR:
		return "dir"
	case linux.DT_REG:
		return "file"
	case linux.DT_CHR:
		return "chardev"
	case linux.DT_FIFO:
		return "pipe"
	default:
		return "?"
	}
}

func (s *shell) stat(args []string) error {
	for _, p := range args {
		st, err := sys.Stat(s.ctx, s.t, p)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		fmt.Fprintf(s.out, "%s: dev=%d ino=%d mode=%v nlink=%d size=%d", p, st.Dev, st.Ino, linux.FileMode(st.Mode), st.Nlink, st.Size)
		if st.Rdev != 0 {
			fmt.Fprintf(s.out, " rdev=%#x", st.Rdev)
		}
		fmt.Fprintln(s.out)
	}
	return nil
}

func (s *shell) absPath(p string) (string, error) {
	return s.t.FSContext().AbsPath(p)
}

func (s *shell) mount(args []string) error {
	abs, err := s.absPath(args[1])
	if err != nil {
		return err
	}
	opts := &vfs.MountOptions{}
	if len(args) > 2 {
		opts.GetFilesystemOptions.Data = strings.Join(args[2:], ",")
	}
	_, err = s.t.Kernel().VFS().MountNew(s.ctx, args[0], abs, opts)
	return err
}

func (s *shell) umount(args []string) error {
	abs, err := s.absPath(args[0])
	if err != nil {
		return err
	}
	return s.t.Kernel().VFS().Umount(abs)
}

func (s *shell) mounts(args []string) error {
	return printMounts(s.out, s.t.Kernel().VFS())
}

// pipe sends the arguments through a pipe and prints what comes out of the
// read end. The write runs concurrently with the read so that text larger
// than the pipe capacity does not block the shell.
func (s *shell) pipe(args []string) error {
	fds, err := sys.Pipe2(s.ctx, s.t, linux.O_CLOEXEC)
	if err != nil {
		return err
	}
	data := []byte(strings.Join(args, " ") + "\n")
	var g errgroup.Group
	g.Go(func() error {
		defer sys.Close(s.ctx, s.t, fds[1])
		_, err := sys.Write(s.ctx, s.t, fds[1], data)
		return err
	})
	err = s.copyFD(fds[0])
	// Closing the read end fails a writer still blocked on a full pipe.
	sys.Close(s.ctx, s.t, fds[0])
	if werr := g.Wait(); err == nil {
		err = werr
	}
	return err
}

// printMounts writes the mount table of vfsObj to w, one mount per line.
func printMounts(w io.Writer, vfsObj *vfs.VirtualFilesystem) error {
	var it vfs.MountIterator
	vfsObj.Mounts().IterBegin(&it)
	defer it.End()
	for mp := it.Next(); mp != nil; mp = it.Next() {
		fs := mp.Filesystem()
		mode := "rw"
		if fs.ReadOnly() {
			mode = "ro"
		}
		if _, err := fmt.Fprintf(w, "%-10s %-8s %s dev=%d\n", mp.Path(), fs.TypeName(), mode, fs.DeviceID()); err != nil {
			return err
		}
	}
	return nil
}
