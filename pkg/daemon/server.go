// SPDX-License-Identifier: AGPL-3.0-only

package daemon

import (
	"context"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
)

// newServerService runs serv as a service. On stop it keeps serving until every service
// returned by waitFor has terminated, so /metrics and the status routes stay reachable while
// the call queue drains.
func newServerService(serv *server.Server, waitFor func() []services.Service) services.Service {
	served := make(chan error, 1)

	running := func(ctx context.Context) error {
		go func() {
			defer close(served)
			served <- serv.Run()
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-served:
			if err == nil {
				err = errors.New("server stopped unexpectedly")
			}
			return err
		}
	}

	stopping := func(_ error) error {
		for _, s := range waitFor() {
			_ = s.AwaitTerminated(context.Background())
		}

		serv.Shutdown()
		// Drained already if running returned because Run failed.
		<-served
		return nil
	}

	return services.NewBasicService(nil, running, stopping).WithName("server")
}

// signalsIgnored replaces the server's own signal handler: the daemon handles signals and
// stops the server like any other module.
type signalsIgnored chan struct{}

func (s signalsIgnored) Loop() { <-s }
func (s signalsIgnored) Stop() { close(s) }

func (d *Daemon) initServer() (services.Service, error) {
	cfg := d.Cfg.Server
	cfg.SignalHandler = make(signalsIgnored)
	cfg.Log = d.Logger
	cfg.Registerer = d.Registerer
	cfg.Gatherer = d.Gatherer

	serv, err := server.New(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create server")
	}
	d.Server = serv

	serv.HTTP.Path("/ready").Methods(http.MethodGet).HandlerFunc(d.readyHandler)
	d.registerStatusRoutes(serv.HTTP)
	level.Info(d.Logger).Log("msg", "server listening", "http", serv.HTTPListenAddr(), "grpc", serv.GRPCListenAddr())

	waitFor := func() []services.Service {
		deps := map[string]bool{}
		for _, m := range d.ModuleManager.DependenciesForModule(Server) {
			deps[m] = true
		}
		var out []services.Service
		for m, s := range d.ServiceMap {
			if m != Server && !deps[m] {
				out = append(out, s)
			}
		}
		return out
	}
	return newServerService(serv, waitFor), nil
}

func (d *Daemon) readyHandler(w http.ResponseWriter, _ *http.Request) {
	if !d.ready() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ready\n"))
}

func (d *Daemon) ready() bool {
	return d.CallQueue != nil && d.CallQueue.State() == services.Running
}
