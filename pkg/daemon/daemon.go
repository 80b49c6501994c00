// SPDX-License-Identifier: AGPL-3.0-only

// Package daemon wires the call queue and its supporting services into one process.
package daemon

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/callqueue/pkg/callqueue"
	"github.com/grafana/callqueue/pkg/cdr"
	"github.com/grafana/callqueue/pkg/endpoint"
	"github.com/grafana/callqueue/pkg/telephony/fake"
	"github.com/grafana/callqueue/pkg/traffic"
)

// Module names.
const (
	Server    string = "server"
	Endpoints string = "endpoints"
	Telephony string = "telephony"
	CDR       string = "cdr"
	CallQueue string = "call-queue"
	Traffic   string = "traffic"
	All       string = "all"
)

// Daemon is the root of the process: it owns the module manager and every module's instance.
type Daemon struct {
	Cfg        Config
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Logger     log.Logger

	ModuleManager *modules.Manager
	ServiceMap    map[string]services.Service

	Server     *server.Server
	Pool       *endpoint.StaticPool
	Telephony  *fake.Telephony
	Recorder   *cdr.Recorder
	CallQueue  *callqueue.CallQueue
	Traffic    *traffic.Generator
}

func New(cfg Config, reg prometheus.Registerer, gatherer prometheus.Gatherer, logger log.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Daemon{
		Cfg:        cfg,
		Registerer: reg,
		Gatherer:   gatherer,
		Logger:     logger,
	}
	if err := d.setupModuleManager(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Daemon) setupModuleManager() error {
	mm := modules.NewManager(d.Logger)

	mm.RegisterModule(Server, d.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(Endpoints, d.initEndpoints, modules.UserInvisibleModule)
	mm.RegisterModule(Telephony, d.initTelephony, modules.UserInvisibleModule)
	mm.RegisterModule(CDR, d.initCDR, modules.UserInvisibleModule)
	mm.RegisterModule(CallQueue, d.initCallQueue)
	mm.RegisterModule(Traffic, d.initTraffic)
	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		CallQueue: {Server, Endpoints, Telephony, CDR},
		Traffic:   {CallQueue, Telephony},
		All:       {CallQueue, Traffic},
	}
	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	d.ModuleManager = mm
	return nil
}

func (d *Daemon) initEndpoints() (services.Service, error) {
	d.Pool = endpoint.NewStaticPool(d.Cfg.Endpoints, d.Logger, d.Registerer)
	return nil, nil
}

func (d *Daemon) initTelephony() (services.Service, error) {
	d.Telephony = fake.New(
		fake.WithBehaviour(fake.Simulate(d.Cfg.Simulator)),
		fake.WithLogger(d.Logger),
	)
	// Calls still alive are hung up once everything using the telephony has stopped.
	return services.NewIdleService(nil, func(error) error {
		d.Telephony.Close()
		return nil
	}), nil
}

func (d *Daemon) initCDR() (services.Service, error) {
	if !d.Cfg.CDR.Enabled() {
		return nil, nil
	}
	r, err := cdr.New(d.Cfg.CDR, d.Logger, d.Registerer)
	if err != nil {
		return nil, err
	}
	d.Recorder = r
	return r, nil
}

func (d *Daemon) initCallQueue() (services.Service, error) {
	cq, err := callqueue.New(d.Cfg.CallQueue, d.Pool, d.Telephony, d.Telephony, d.Logger, d.Registerer)
	if err != nil {
		return nil, err
	}
	if d.Recorder != nil {
		cq.Subscribe(d.Recorder)
	}
	d.CallQueue = cq
	return cq, nil
}

func (d *Daemon) initTraffic() (services.Service, error) {
	if !d.Cfg.Traffic.Enabled() {
		return nil, nil
	}
	g, err := traffic.NewGenerator(d.Cfg.Traffic, traffic.TargetsFromConfig(d.Cfg.CallQueue), d.CallQueue, d.Telephony, d.Logger, d.Registerer)
	if err != nil {
		return nil, err
	}
	d.Traffic = g
	return g, nil
}

// InitServices initializes every module and returns a manager over their services.
func (d *Daemon) InitServices() (*services.Manager, error) {
	serviceMap, err := d.ModuleManager.InitModuleServices(All)
	if err != nil {
		return nil, err
	}
	d.ServiceMap = serviceMap

	servs := make([]services.Service, 0, len(serviceMap))
	for _, s := range serviceMap {
		servs = append(servs, s)
	}
	return services.NewManager(servs...)
}

// Run starts every module and blocks until they all stopped, either because one of them
// failed or because the process received a termination signal.
func (d *Daemon) Run() error {
	sm, err := d.InitServices()
	if err != nil {
		return err
	}

	healthy := func() { level.Info(d.Logger).Log("msg", "call queue daemon started") }
	stopped := func() { level.Info(d.Logger).Log("msg", "call queue daemon stopped") }
	serviceFailed := func(service services.Service) {
		// One failed module takes the whole process down.
		sm.StopAsync()

		for m, s := range d.ServiceMap {
			if s == service {
				level.Error(d.Logger).Log("msg", "module failed", "module", m, "err", service.FailureCase())
				return
			}
		}
		level.Error(d.Logger).Log("msg", "module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	handler := signals.NewHandler(d.Logger)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()
	defer handler.Stop()

	err = sm.StartAsync(context.Background())
	if err == nil {
		err = sm.AwaitStopped(context.Background())
	}
	if err != nil {
		return err
	}

	if failed := sm.ServicesByState()[services.Failed]; len(failed) > 0 {
		return errors.Wrap(failed[0].FailureCase(), "module failed")
	}
	return nil
}
