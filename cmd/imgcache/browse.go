package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"9fans.net/go/plan9/client"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/anastasop/imgcache/internal/collection"
	"github.com/anastasop/imgcache/internal/decode"
	"github.com/anastasop/imgcache/internal/prefetch"
)

var (
	browsePlumb    bool
	browsePageSize int
)

var browseCmd = &cobra.Command{
	Use:   "browse [file|dir]...",
	Short: "Move through the images reading commands from stdin",
	Long: `browse moves a position through the files, one command per line, and
keeps the cache warm around it.

Commands:
  n, <enter>  next item          p  previous item
  N           next page          P  previous page
  g <i>       go to item i       s  show the cache and the page
  i           exif summary       o  send the item to the plumber
  rm          drop the item      sort  sort by path
  q           quit

With --plumb, files plumbed to the image port become the current item.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBrowse,
}

func init() {
	rootCmd.AddCommand(browseCmd)
	browseCmd.Flags().BoolVar(&browsePlumb, "plumb", false, "follow the files plumbed to the image port")
	browseCmd.Flags().IntVar(&browsePageSize, "page", 20, "items per page")
}

func runBrowse(cmd *cobra.Command, args []string) error {
	folder, registry, err := openCollection(cmd, args)
	if err != nil {
		return err
	}
	failures := make(chan failure, 8)
	c, err := startCache(folder, registry, func(key string, status decode.Status, err error) {
		select {
		case failures <- failure{key, status, err}:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	s := newSession(folder, c, browsePageSize, cmd.OutOrStdout(), component("browse"))
	s.failures = failures
	if browsePlumb {
		s.plumber = connectToPlumber(s.log)
		if s.plumber != nil {
			defer s.plumber.Close()
		}
		if s.plumbed, err = listenPlumber(ctx, plumbPort, s.log); err != nil {
			s.log.Warnf("plumber: cannot listen on %s: %v", plumbPort, err)
		}
	}
	return s.run(ctx, cmd.InOrStdin())
}

type failure struct {
	key    string
	status decode.Status
	err    error
}

// session is a browse session over a folder.
type session struct {
	folder *collection.Folder
	cache  *prefetch.Controller
	cursor *Cursor
	out    io.Writer
	log    *logrus.Entry

	plumber  *client.Fid
	plumbed  <-chan string
	failures <-chan failure
}

func newSession(folder *collection.Folder, cache *prefetch.Controller, pageSize int, out io.Writer, log *logrus.Entry) *session {
	return &session{
		folder: folder,
		cache:  cache,
		cursor: NewCursor(folder.Len(), pageSize),
		out:    out,
		log:    log,
	}
}

// run executes the commands read from in until q, the end of input or
// ctx is done.
func (s *session) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	s.show()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := s.exec(line)
			if err != nil {
				fmt.Fprintf(s.out, "?%v\n", err)
			}
			if quit {
				return nil
			}
		case path, ok := <-s.plumbed:
			if !ok {
				s.plumbed = nil
				continue
			}
			if err := s.jump(path); err != nil {
				fmt.Fprintf(s.out, "?%v\n", err)
			}
		case f := <-s.failures:
			fmt.Fprintf(s.out, "cannot decode %s: %v: %v\n", filepath.Base(f.key), f.status, f.err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// exec runs one command. It reports whether the session is over.
func (s *session) exec(line string) (bool, error) {
	fields := strings.Fields(line)
	cmd := "n"
	if len(fields) > 0 {
		cmd = fields[0]
	}

	moved := false
	switch cmd {
	case "q":
		return true, nil
	case "n":
		moved = s.cursor.Next()
	case "p":
		moved = s.cursor.Prev()
	case "N":
		moved = s.cursor.NextPage()
	case "P":
		moved = s.cursor.PrevPage()
	case "g":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: g index")
		}
		i, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, fmt.Errorf("bad index %q", fields[1])
		}
		if !s.cursor.Goto(i) {
			return false, fmt.Errorf("index %d out of range [0, %d)", i, s.cursor.Len())
		}
		moved = true
	case "s":
		from, to := s.cursor.Visible()
		fmt.Fprintln(s.out, renderStatus(s.cache.Status(), s.folder.Items(), from, to))
		return false, nil
	case "i":
		fmt.Fprintln(s.out, decode.ExifSummary(s.current()))
		return false, nil
	case "o":
		if s.plumber == nil {
			return false, fmt.Errorf("plumber not available")
		}
		return false, plumbFile(s.plumber, s.current())
	case "rm":
		return false, s.remove()
	case "sort":
		key := s.current()
		s.folder.SortBy(collection.ByPath)
		if i, ok := s.folder.IndexOf(key); ok {
			s.cursor.Goto(i)
		}
		if err := s.cache.ContentChanged(); err != nil {
			return true, err
		}
		moved = true
	default:
		return false, fmt.Errorf("unknown command %q", cmd)
	}
	if !moved {
		return false, nil
	}
	if err := s.cache.PositionChanged(s.cursor.Pos()); err != nil {
		return true, err
	}
	s.show()
	return false, nil
}

func (s *session) current() string {
	return s.folder.PathAt(s.cursor.Pos())
}

// show prints the current item and whether its image is ready.
func (s *session) show() {
	path := s.current()
	state := "-"
	if it, ok := s.folder.Item(s.cursor.Pos()); ok {
		switch {
		case it.Video:
			state = "video"
		case s.cache.IsCached(path):
			state = "cached"
		case it.Caching:
			state = "decoding"
		case it.Status.Failure():
			state = it.Status.String()
		}
	}
	fmt.Fprintf(s.out, "%d/%d %s [%s]\n", s.cursor.Pos(), s.cursor.Len(), path, state)
}

// remove drops the current item from the collection. The file is kept.
func (s *session) remove() error {
	key := s.current()
	if !s.folder.Remove(key) {
		return fmt.Errorf("no item %s", key)
	}
	if err := s.cache.ItemRemoved(key); err != nil {
		return err
	}
	s.cursor.SetLimit(s.folder.Len())
	if s.cursor.Len() == 0 {
		fmt.Fprintln(s.out, "no items left")
		return nil
	}
	if err := s.cache.PositionChanged(s.cursor.Pos()); err != nil {
		return err
	}
	s.show()
	return nil
}

// jump makes the file at path the current item.
func (s *session) jump(path string) error {
	i, ok := s.indexOf(path)
	if !ok {
		return fmt.Errorf("%s is not in the collection", path)
	}
	s.cursor.Goto(i)
	if err := s.cache.PositionChanged(i); err != nil {
		return err
	}
	s.show()
	return nil
}

// indexOf finds path in the folder, comparing absolute paths if the
// path was given in another form.
func (s *session) indexOf(path string) (int, bool) {
	if i, ok := s.folder.IndexOf(path); ok {
		return i, true
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return -1, false
	}
	for i, it := range s.folder.Items() {
		if p, err := filepath.Abs(it.Path); err == nil && p == abs {
			return i, true
		}
	}
	return -1, false
}
