// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"crucible.build/pkg/internal/builder"
	"crucible.build/pkg/internal/jsonrpc"
	"crucible.build/pkg/internal/localstore"
	"crucible.build/pkg/store"
	"github.com/coreos/go-systemd/v22/activation"
	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"zombiezen.com/go/log"
)

func newServeCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "serve",
		Short:                 "serve builds over a local socket",
		Args:                  cobra.NoArgs,
		DisableFlagsInUseLine: true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), g)
	}
	return c
}

func runServe(ctx context.Context, g *globalConfig) error {
	srv := &buildServer{g: g}
	srv.store = localstore.Open(g.storeDir, g.dbPath, &localstore.Options{
		RealDir: g.realStoreDir,
	})
	defer srv.store.Close()

	// Prefer a socket handed to us by systemd socket activation.
	listeners, err := activation.Listeners()
	if err != nil {
		return err
	}
	var l net.Listener
	if len(listeners) > 0 {
		l = listeners[0]
	} else {
		socketPath := g.file.ServeSocket
		if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
			return err
		}
		os.Remove(socketPath)
		l, err = net.Listen("unix", socketPath)
		if err != nil {
			return err
		}
		defer os.Remove(socketPath)
	}
	defer l.Close()
	log.Infof(ctx, "Serving builds on %v", l.Addr())
	sddaemon.SdNotify(false, sddaemon.SdNotifyReady)

	go func() {
		<-ctx.Done()
		sddaemon.SdNotify(false, sddaemon.SdNotifyStopping)
		l.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			if err := jsonrpc.Serve(ctx, conn, srv.handler()); err != nil && !errors.Is(err, net.ErrClosed) {
				log.Errorf(ctx, "Connection: %v", err)
			}
		}()
	}
}

// buildServer serves realize requests over JSON-RPC.
type buildServer struct {
	g     *globalConfig
	store *localstore.Store

	// buildMu serializes builds: the builder describes a single build,
	// and concurrent builds of the same derivation would race.
	buildMu sync.Mutex
}

// realizeRequest is the parameter set of the "store.realize" method.
type realizeRequest struct {
	DrvPath string `json:"drvPath"`
}

// realizeResponse is the result of the "store.realize" method.
type realizeResponse struct {
	BuildID string                  `json:"buildId"`
	Outputs []realizeResponseOutput `json:"outputs"`
}

type realizeResponseOutput struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

func (srv *buildServer) handler() jsonrpc.Handler {
	return jsonrpc.ServeMux{
		"store.realize":       jsonrpc.HandlerFunc(srv.realize),
		"store.is-valid-path": jsonrpc.HandlerFunc(srv.isValidPath),
	}
}

func (srv *buildServer) realize(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args realizeRequest
	if err := json.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	drvPath, err := store.ParsePath(args.DrvPath)
	if err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	if !drvPath.IsDerivation() {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, fmt.Errorf("%s is not a derivation", drvPath))
	}
	buildID := uuid.New()
	log.Infof(ctx, "Build %v: realizing %s", buildID, drvPath)

	srv.buildMu.Lock()
	defer srv.buildMu.Unlock()
	w, err := newBuildWorker(ctx, srv.g, builder.BuildNormal, false)
	if err != nil {
		return nil, err
	}
	defer w.close()
	realizations, err := w.realize(ctx, drvPath)
	if err != nil {
		log.Errorf(ctx, "Build %v: %v", buildID, err)
		return nil, err
	}

	resp := &realizeResponse{
		BuildID: buildID.String(),
		Outputs: []realizeResponseOutput{},
	}
	for _, r := range realizations {
		resp.Outputs = append(resp.Outputs, realizeResponseOutput{
			Name: r.OutputName,
			Path: string(r.Path),
		})
	}
	return marshalResponse(resp)
}

func (srv *buildServer) isValidPath(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(req.Params, &args); err != nil {
		return nil, jsonrpc.Error(jsonrpc.InvalidParams, err)
	}
	p, err := store.ParsePath(args.Path)
	if err != nil {
		return &jsonrpc.Response{Result: json.RawMessage("false")}, nil
	}
	valid, err := srv.store.IsValidPath(ctx, p)
	if err != nil {
		return nil, err
	}
	return marshalResponse(valid)
}

func marshalResponse(v any) (*jsonrpc.Response, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, jsonrpc.Error(jsonrpc.InternalError, err)
	}
	return &jsonrpc.Response{Result: data}, nil
}
