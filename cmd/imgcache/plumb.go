package main

import (
	"bufio"
	"context"
	"path/filepath"

	"9fans.net/go/plan9"
	"9fans.net/go/plan9/client"
	"9fans.net/go/plumb"
	"github.com/sirupsen/logrus"
)

// plumbPort is the plumber port images are sent to.
const plumbPort = "image"

// connectToPlumber opens the port messages are sent to. The plumber is
// optional: on error nil is returned.
func connectToPlumber(log *logrus.Entry) *client.Fid {
	fid, err := plumb.Open("send", plan9.OWRITE|plan9.OCEXEC)
	if err != nil {
		log.Infof("plumber not available: %v", err)
		return nil
	}
	return fid
}

// plumbFile sends the path of a file to the plumber, to be opened by
// another program.
func plumbFile(plumber *client.Fid, path string) error {
	m := plumb.Message{
		Src:  progName,
		Dir:  filepath.Dir(path),
		Type: "text",
		Data: []byte(path),
	}
	return m.Send(plumber)
}

// listenPlumber returns the paths of the files plumbed to port. The
// channel is closed when the port is closed or ctx is done.
func listenPlumber(ctx context.Context, port string, log *logrus.Entry) (<-chan string, error) {
	fid, err := plumb.Open(port, plan9.OREAD)
	if err != nil {
		return nil, err
	}
	paths := make(chan string)
	go func() {
		<-ctx.Done()
		fid.Close()
	}()
	go func() {
		defer close(paths)
		r := bufio.NewReader(fid)
		for {
			var m plumb.Message
			if err := m.Recv(r); err != nil {
				if ctx.Err() == nil {
					log.WithError(err).Warn("plumber: stopped listening")
				}
				return
			}
			path := string(m.Data)
			if !filepath.IsAbs(path) && m.Dir != "" {
				path = filepath.Join(m.Dir, path)
			}
			log.Debugf("plumber: received %s", path)
			select {
			case paths <- path:
			case <-ctx.Done():
				return
			}
		}
	}()
	return paths, nil
}
