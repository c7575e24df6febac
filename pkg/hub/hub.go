// Package hub runs the controller together with its clients and serves it
// over the bridge.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/ssam.go/pkg/bridge"
	"github.com/robotalks/ssam.go/pkg/bridge/comm"
	"github.com/robotalks/ssam.go/pkg/bridge/comm/mqtt"
	"github.com/robotalks/ssam.go/pkg/bridge/comm/stream"
	"github.com/robotalks/ssam.go/pkg/bridge/comm/websocket"
	"github.com/robotalks/ssam.go/pkg/env"
	fx "github.com/robotalks/ssam.go/pkg/framework"
	"github.com/robotalks/ssam.go/pkg/ssam"
	"github.com/robotalks/ssam.go/pkg/ssam/clients/battery"
	"github.com/robotalks/ssam.go/pkg/ssam/clients/thermal"
	"github.com/robotalks/ssam.go/pkg/ssam/debug"
)

// Events forwarded to the bridge are delivered after all clients.
const bridgeNotifierPrio = 0

// Hub owns the controller, the power clients and the bridge servers.
type Hub struct {
	Config     *env.Config
	Info       bridge.HubInfo
	Controller *ssam.Controller
	Mux        *comm.ServerMux
	Thermal    *thermal.Thermal

	lock      sync.Mutex
	bridge    *ssam.Client
	notifiers []*ssam.Notifier
	batteries []*battery.Battery
	ac        *battery.AC
	clients   []*ssam.Client
}

// PowerStatus is reported by the power route.
type PowerStatus struct {
	Batteries []*battery.Properties `json:"batteries"`
	AC        *bool                 `json:"ac,omitempty"`
	Sensors   []thermal.Sensor      `json:"sensors,omitempty"`
	Errors    []string              `json:"errors,omitempty"`
}

// New creates a Hub. The controller is started by Run.
func New(conf *env.Config, ctrl *ssam.Controller) *Hub {
	h := &Hub{
		Config:     conf,
		Info:       conf.HubInfo(),
		Controller: ctrl,
		Thermal:    thermal.New(ctrl),
	}
	h.Thermal.TargetID = byte(conf.ThermalTarget)
	return h
}

// Name implements framework.Named.
func (h *Hub) Name() string {
	return "hub"
}

// Run implements framework.Runnable. It starts the controller, probes the
// clients and serves the bridge until ctx is done, a bridge server exits or
// the link fails.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		h.Stop()
		return err
	}
	runner := fx.NewRunnerWith(ctx)
	runner.StopOnExit = true
	err := h.serve(runner)
	if err == nil {
		select {
		case <-runner.Context.Done():
		case <-h.Controller.Transport.Done():
			err = h.Controller.Transport.Err()
		}
	}
	runner.Stop()
	if waitErr := runner.Wait(); waitErr != nil {
		glog.Errorf("bridge stopped: %v", waitErr)
		if err == nil {
			err = waitErr
		}
	}
	if err == nil {
		err = ctx.Err()
	}
	h.Stop()
	return err
}

// Start starts the controller, publishes it, and binds the clients.
func (h *Hub) Start(ctx context.Context) error {
	if err := h.Controller.Start(ctx); err != nil {
		return err
	}
	if err := ssam.Set(h.Controller); err != nil {
		return err
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	h.Info.Meta.Firmware = h.Controller.FirmwareVersion().String()

	for _, cfg := range []battery.Config{battery.BAT1, battery.BAT2} {
		cfg.CacheTime = h.Config.CacheTime
		cl, err := ssam.Bind(fmt.Sprintf("battery:BAT%d", cfg.Num))
		if err != nil {
			return err
		}
		bat := battery.New(cl, cfg)
		bat.OnChange = func(b *battery.Battery) {
			glog.V(1).Infof("%s changed", b.Name())
		}
		if err := bat.Start(ctx); err != nil {
			glog.Infof("%s unavailable: %v", bat.Name(), err)
			cl.Unbind()
			continue
		}
		h.batteries = append(h.batteries, bat)
		h.clients = append(h.clients, cl)
	}

	cl, err := ssam.Bind("ac:ADP0")
	if err != nil {
		return err
	}
	ac := battery.NewAC(cl)
	ac.OnChange = func(a *battery.AC) {
		glog.V(1).Infof("%s changed", a.Name())
	}
	if err := ac.Start(ctx); err != nil {
		glog.Infof("%s unavailable: %v", ac.Name(), err)
		cl.Unbind()
	} else {
		h.ac = ac
		h.clients = append(h.clients, cl)
	}

	srcs, err := h.Config.EventSources()
	if err != nil {
		return err
	}
	if h.bridge, err = ssam.Bind("bridge"); err != nil {
		return err
	}
	h.Mux = comm.NewServerMux(h.bridge)
	for _, src := range srcs {
		n := src.Notifier(bridgeNotifierPrio, h.Mux)
		if err := h.bridge.RegisterNotifier(ctx, n); err != nil {
			glog.Warningf("forward events %s: %v", src, err)
			continue
		}
		h.notifiers = append(h.notifiers, n)
	}
	glog.Infof("hub %s started: %d batteries, AC %v, %d event sources",
		h.Info.Ref.Name(), len(h.batteries), h.ac != nil, len(h.notifiers))
	return nil
}

// serve starts the bridge servers configured.
func (h *Hub) serve(runner *fx.Runner) error {
	if h.Config.BrokerURL != "" {
		server, err := mqtt.NewServer(h.Config.BrokerURL, h.Info, h.Mux)
		if err != nil {
			return err
		}
		runner.Go(server)
	}
	if h.Config.ListenAddr != "" {
		ln, err := net.Listen("tcp", h.Config.ListenAddr)
		if err != nil {
			return err
		}
		glog.Infof("bridge listening on %s", ln.Addr())
		runner.Go(fx.NamedRun("stream", fx.RunnableFunc(func(ctx context.Context) error {
			return stream.Serve(ctx, ln, h.Mux)
		})))
	}
	if h.Config.DebugAddr != "" {
		mux := http.NewServeMux()
		h.Attach(mux)
		server := &http.Server{Addr: h.Config.DebugAddr, Handler: mux}
		glog.Infof("debug HTTP on %s", h.Config.DebugAddr)
		runner.Go(fx.NamedRun("debug", fx.RunnableFunc(func(ctx context.Context) error {
			err := fx.RunWithContextCloser(ctx, server, server.ListenAndServe)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})))
	}
	return nil
}

// Attach registers the debug routes of the hub on mux.
func (h *Hub) Attach(mux *http.ServeMux) {
	routes := debug.NewRoutes(h.Controller)
	handler := routes.Attach(mux, websocket.Handler(h.Mux))
	handler.Handle("ssam-power", "batteries, AC and thermal sensors", http.HandlerFunc(h.servePower))
}

// Stop unbinds the clients and stops the controller.
func (h *Hub) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), h.stopTimeout())
	defer cancel()
	h.lock.Lock()
	for _, bat := range h.batteries {
		bat.Stop(ctx)
	}
	if h.ac != nil {
		h.ac.Stop(ctx)
	}
	if h.bridge != nil {
		for _, n := range h.notifiers {
			h.bridge.UnregisterNotifier(ctx, n)
		}
		h.clients = append(h.clients, h.bridge)
	}
	for _, cl := range h.clients {
		cl.Unbind()
	}
	h.batteries, h.ac, h.bridge, h.notifiers, h.clients = nil, nil, nil, nil, nil
	h.lock.Unlock()

	if err := h.Controller.Stop(ctx, false); err != nil {
		glog.Warningf("stop controller: %v, forcing", err)
		h.Controller.Stop(ctx, true)
	}
	if c, err := ssam.Get(); err == nil && c == h.Controller {
		ssam.Set(nil)
	}
}

func (h *Hub) stopTimeout() time.Duration {
	return h.Config.Timeout*time.Duration(h.Config.Tries) + time.Second
}

// Suspend notifies the controller the host is going to sleep.
func (h *Hub) Suspend(ctx context.Context) error {
	return h.Controller.Suspend(ctx)
}

// Resume notifies the controller the host resumed and rechecks the
// batteries, which may have been changed meanwhile.
func (h *Hub) Resume(ctx context.Context) error {
	if err := h.Controller.Resume(ctx); err != nil {
		return err
	}
	h.lock.Lock()
	batteries := append([]*battery.Battery(nil), h.batteries...)
	h.lock.Unlock()
	var errs fx.AggregatedError
	for _, bat := range batteries {
		errs.Add(bat.Recheck(ctx))
	}
	return errs.Aggregate()
}

// Power collects the status of batteries, the AC adapter and thermal sensors.
func (h *Hub) Power(ctx context.Context) *PowerStatus {
	h.lock.Lock()
	batteries := append([]*battery.Battery(nil), h.batteries...)
	ac := h.ac
	h.lock.Unlock()

	status := &PowerStatus{Batteries: []*battery.Properties{}}
	for _, bat := range batteries {
		props, err := bat.Properties(ctx)
		if errors.Is(err, ssam.ErrNotFound) {
			props, err = &battery.Properties{Name: bat.Name()}, nil
		}
		if err != nil {
			status.Errors = append(status.Errors, fmt.Sprintf("%s: %v", bat.Name(), err))
			continue
		}
		status.Batteries = append(status.Batteries, props)
	}
	if ac != nil {
		online, err := ac.Online(ctx)
		if err != nil {
			status.Errors = append(status.Errors, fmt.Sprintf("%s: %v", ac.Name(), err))
		} else {
			status.AC = &online
		}
	}
	sensors, err := h.Thermal.Sensors(ctx)
	if err != nil {
		status.Errors = append(status.Errors, fmt.Sprintf("thermal: %v", err))
	}
	status.Sensors = sensors
	return status
}

func (h *Hub) servePower(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), h.stopTimeout())
	defer cancel()
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(h.Power(ctx))
}
