// Package server ties the core filesystem to a FUSE mount point and
// owns the fuse.Server lifecycle.
package server

import (
	"context"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/gridmount/gridmount"
	"github.com/gridmount/gridmount/config"
	"github.com/gridmount/gridmount/filesystem"
	"github.com/gridmount/gridmount/fusefs"
	"github.com/gridmount/gridmount/internal/util"
)

// GridMount contains the core filesystem state and operations with
// abstractions over the underlying FUSE wire protocol implementation.
type GridMount struct {
	*filesystem.FileSystem
	cfg    *config.Config
	server *fuse.Server
}

// New builds the core filesystem over the given stores.
func New(ctx context.Context, cfg *config.Config, meta gridmount.MetadataStore, blobs gridmount.ContentStore) (*GridMount, error) {
	fs, err := filesystem.New(ctx, cfg, meta, blobs)
	if err != nil {
		return nil, err
	}
	return &GridMount{FileSystem: fs, cfg: cfg}, nil
}

// Serve mounts and serves the filesystem at the given mountPoint. It
// returns once the kernel has acknowledged the mount; serving itself
// continues on a background goroutine until Unmount.
func (g *GridMount) Serve(mountPoint string) error {
	raw := fusefs.NewRaw(g.FileSystem, g.cfg)
	opts := g.cfg.MountOptions
	slogger := util.NewLogLogger("FuseServer", util.TraceLevel)
	srv, err := fuse.NewServer(raw, mountPoint, &fuse.MountOptions{
		Name:   opts.Name,
		FsName: opts.FsName,
		Debug:  opts.Debug,
		Logger: slogger,
	})
	if err != nil {
		return err
	}
	g.server = srv

	go srv.Serve()
	return srv.WaitMount()
}

// ServeAsync mounts in the background and reports the mount result on
// the returned channel.
func (g *GridMount) ServeAsync(mountPoint string) <-chan error {
	done := make(chan error, 1)

	go func() {
		done <- g.Serve(mountPoint)
		close(done)
	}()

	return done
}

// Wait blocks until the filesystem is unmounted.
func (g *GridMount) Wait() {
	if g.server == nil {
		return
	}
	g.server.Wait()
}

// Unmount cleanly unmounts the filesystem.
func (g *GridMount) Unmount() error {
	if g.server == nil {
		return nil
	}
	return g.server.Unmount()
}
