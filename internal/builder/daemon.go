// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	stdjson "encoding/json"

	"crucible.build/pkg/internal/jsonrpc"
	"crucible.build/pkg/store"
	"github.com/go-json-experiment/json"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"zombiezen.com/go/log"
)

// daemonSocketName is the name of the recursive store socket
// inside the build's temporary directory.
const daemonSocketName = ".nix-socket"

// Recursive store RPC methods.
// The builder process reaches them over the Unix socket
// named by NIX_REMOTE.
const (
	isValidPathMethod   = "store.is-valid-path"
	queryPathInfoMethod = "store.query-path-info"
	addToStoreMethod    = "store.add-to-store"
)

// isValidPathRequest is the parameter set of [isValidPathMethod].
// The response is a boolean.
type isValidPathRequest struct {
	Path string `json:"path"`
}

// queryPathInfoRequest is the parameter set of [queryPathInfoMethod].
type queryPathInfoRequest struct {
	Path string `json:"path"`
}

// pathInfoResponse is the result of [queryPathInfoMethod].
type pathInfoResponse struct {
	Path       string   `json:"path"`
	NARHash    string   `json:"narHash"`
	NARSize    int64    `json:"narSize"`
	References []string `json:"references"`
	CA         string   `json:"ca,omitempty"`
}

// addToStoreRequest is the parameter set of [addToStoreMethod].
// The NAR serialization travels base64-encoded in the request body.
type addToStoreRequest struct {
	Name       string   `json:"name"`
	NARBase64  string   `json:"nar"`
	References []string `json:"references"`
}

// addToStoreResponse is the result of [addToStoreMethod].
type addToStoreResponse struct {
	Path string `json:"path"`
}

// storeDaemon serves a restricted store view to the builder process:
// one acceptor goroutine, one worker goroutine per connection.
type storeDaemon struct {
	b          *Builder
	listener   *net.UnixListener
	socketPath string

	workers    *errgroup.Group
	acceptDone chan struct{}
}

// startDaemon creates the Unix socket in the build's temporary directory
// and starts accepting connections.
func (b *Builder) startDaemon(ctx context.Context) (*storeDaemon, error) {
	socketPath := filepath.Join(b.tmpDir, daemonSocketName)
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("start recursive store daemon: %v", err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		l.Close()
		return nil, fmt.Errorf("start recursive store daemon: %v", err)
	}
	if err := b.chownToBuilder(socketPath); err != nil {
		l.Close()
		return nil, fmt.Errorf("start recursive store daemon: %v", err)
	}

	d := &storeDaemon{
		b:          b,
		listener:   l,
		socketPath: socketPath,
		acceptDone: make(chan struct{}),
	}
	d.workers, _ = errgroup.WithContext(context.WithoutCancel(ctx))

	go func() {
		defer close(d.acceptDone)
		for {
			conn, err := l.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				log.Debugf(ctx, "Recursive store daemon accept: %v", err)
				return
			}
			log.Debugf(ctx, "Received recursive store daemon connection")
			d.workers.Go(func() error {
				defer conn.Close()
				err := jsonrpc.Serve(ctx, conn, d.handler(ctx))
				switch {
				case err == nil ||
					errors.Is(err, io.EOF) ||
					errors.Is(err, net.ErrClosed) ||
					errors.Is(err, context.Canceled):
					// Interrupted or disconnected peers are expected.
				default:
					log.Errorf(ctx, "Recursive store daemon worker: %v", err)
				}
				return nil
			})
		}
	}()
	return d, nil
}

// stop shuts down the listening socket,
// joins the acceptor, then joins all workers.
func (d *storeDaemon) stop(ctx context.Context) error {
	var shutdownErr error
	if rawConn, err := d.listener.SyscallConn(); err == nil {
		rawConn.Control(func(fd uintptr) {
			shutdownErr = unix.Shutdown(int(fd), unix.SHUT_RDWR)
		})
	}
	// POSIX-compliant systems return ENOTCONN when the socket
	// never had a peer. That is not an error here.
	if shutdownErr != nil && !errors.Is(shutdownErr, unix.ENOTCONN) {
		log.Debugf(ctx, "Shutting down recursive store daemon socket: %v", shutdownErr)
	}
	closeErr := d.listener.Close()
	<-d.acceptDone
	d.workers.Wait()
	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return closeErr
	}
	return nil
}

func (d *storeDaemon) handler(ctx context.Context) jsonrpc.Handler {
	return jsonrpc.ServeMux{
		isValidPathMethod:   jsonrpc.HandlerFunc(d.isValidPath),
		queryPathInfoMethod: jsonrpc.HandlerFunc(d.queryPathInfo),
		addToStoreMethod:    jsonrpc.HandlerFunc(d.addToStore),
	}
}

// restrictedPath parses a path argument and checks that it names
// an object in the build's store directory.
// It does not check the restricted view (inputs, scratch outputs,
// and added paths): callers do that with isAllowedPath.
func (d *storeDaemon) restrictedPath(raw string) (store.Path, error) {
	p, err := store.ParsePath(raw)
	if err != nil {
		return "", jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	if p.Dir() != d.b.store.Dir() {
		return "", jsonrpc.Error(jsonrpc.InvalidParams, fmt.Errorf("%s is outside %s", p, d.b.store.Dir()))
	}
	return p, nil
}

func (d *storeDaemon) isValidPath(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args isValidPathRequest
	if err := json.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	p, err := d.restrictedPath(args.Path)
	if err != nil {
		return nil, err
	}
	if !d.b.isAllowedPath(p) {
		// Paths outside the restricted view are reported invalid,
		// not revealed.
		return &jsonrpc.Response{Result: stdjson.RawMessage("false")}, nil
	}
	valid, err := d.b.store.IsValidPath(ctx, p)
	if err != nil {
		return nil, err
	}
	return marshalDaemonResponse(valid)
}

func (d *storeDaemon) queryPathInfo(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args queryPathInfoRequest
	if err := json.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	p, err := d.restrictedPath(args.Path)
	if err != nil {
		return nil, err
	}
	if !d.b.isAllowedPath(p) {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, fmt.Errorf("path %s is not accessible from this build", p))
	}
	info, err := d.b.store.QueryPathInfo(ctx, p)
	if err != nil {
		return nil, err
	}
	resp := &pathInfoResponse{
		Path:       string(info.StorePath),
		NARSize:    info.NARSize,
		References: []string{},
	}
	if hashText, err := info.NARHash.MarshalText(); err == nil {
		resp.NARHash = string(hashText)
	}
	if !info.CA.IsZero() {
		if caText, err := info.CA.MarshalText(); err == nil {
			resp.CA = string(caText)
		}
	}
	for ref := range info.References.ToSet(info.StorePath).Values() {
		resp.References = append(resp.References, string(ref))
	}
	return marshalDaemonResponse(resp)
}

func (d *storeDaemon) addToStore(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args addToStoreRequest
	if err := json.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	if args.Name == "" || strings.ContainsAny(args.Name, "/") {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, fmt.Errorf("invalid store object name %q", args.Name))
	}
	narBytes, err := base64.StdEncoding.DecodeString(args.NARBase64)
	if err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, fmt.Errorf("nar: %v", err))
	}

	refs := store.References{}
	for _, rawRef := range args.References {
		ref, err := d.restrictedPath(rawRef)
		if err != nil {
			return nil, err
		}
		if !d.b.isAllowedPath(ref) {
			return nil, jsonrpc.Error(jsonrpc.InvalidParams, fmt.Errorf("reference %s is not accessible from this build", ref))
		}
		refs.Others.Add(ref)
	}

	ca, _, err := store.SourceSHA256ContentAddress("", strings.NewReader(string(narBytes)))
	if err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	p, err := store.FixedCAOutputPath(d.b.store.Dir(), args.Name, ca, refs)
	if err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}

	narHash := narSHA256(narBytes)
	info := &store.ObjectInfo{
		StorePath:  p,
		NARHash:    narHash,
		NARSize:    int64(len(narBytes)),
		References: refs,
		CA:         ca,
	}
	if err := d.b.store.ImportNAR(ctx, strings.NewReader(string(narBytes)), info); err != nil {
		return nil, err
	}

	// The path must be visible inside the sandbox
	// and reference-scannable before the RPC returns.
	if err := d.b.AddDependency(ctx, p); err != nil {
		return nil, err
	}

	return marshalDaemonResponse(&addToStoreResponse{Path: string(p)})
}

// AddDependency makes a store path accessible to the running build.
// For chroot builds the path is bind-mounted into the live sandbox
// by a helper that enters the build's mount namespace.
func (b *Builder) AddDependency(ctx context.Context, path store.Path) error {
	if b.isAllowedPath(path) {
		return nil
	}
	b.addedMu.Lock()
	b.addedPaths.Add(path)
	b.addedMu.Unlock()

	if b.useChroot && b.chrootRootDir != "" {
		log.Debugf(ctx, "Materialising %s in the sandbox", path)
		target := filepath.Join(b.chrootRootDir, string(path))
		if _, err := os.Lstat(target); err == nil {
			return fmt.Errorf("store path '%s' already exists in the sandbox", path)
		}
		if err := b.materializeInSandbox(ctx, path); err != nil {
			return fmt.Errorf("could not add path '%s' to sandbox: %v", path, err)
		}
	}
	return nil
}

func marshalDaemonResponse(v any) (*jsonrpc.Response, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, jsonrpc.Error(jsonrpc.InternalError, err)
	}
	return &jsonrpc.Response{Result: stdjson.RawMessage(data)}, nil
}
