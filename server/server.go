// Package server exposes the dense mapping pipeline over HTTP: a websocket
// ingest endpoint that turns streamed camera frames into submaps, plus GET
// routes serving the stitched map as PCD/PLY, a rendered top-down preview,
// and a JSON status summary.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"goji.io"
	"goji.io/pat"

	"go.viam.com/densemap/config"
	"go.viam.com/densemap/mapping"
	"go.viam.com/densemap/ml"
	"go.viam.com/densemap/optimize"
	"go.viam.com/densemap/pointcloud"
	"go.viam.com/densemap/rimage/transform"
)

// Service owns one map being built from one capture session at a time.
type Service struct {
	cfg    *config.AttrConfig
	model  ml.Model
	logger golog.Logger
	clock  clock.Clock
	rig    *transform.DepthRig

	mu     sync.Mutex
	gmap   *mapping.GraphMap
	graph  *optimize.ChainGraph
	nextID int

	sessionActive  atomic.Bool
	sessionID      atomic.String
	processing     atomic.Bool
	framesReceived atomic.Int64
	framesAdmitted atomic.Int64

	activeSessions sync.WaitGroup
}

// New builds a service around a configuration and an inference model. The
// caller keeps ownership of neither; Close the model through RunServer's
// shutdown path.
func New(cfg *config.AttrConfig, model ml.Model, logger golog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("cfg is required")
	}
	if model == nil {
		return nil, errors.New("model is required")
	}
	cfg.Ensure()

	var rig *transform.DepthRig
	if cfg.DepthRigPath != "" {
		loaded, err := transform.NewDepthRigFromJSONFile(cfg.DepthRigPath)
		if err != nil {
			return nil, errors.Wrapf(err, "loading depth rig %q", cfg.DepthRigPath)
		}
		rig = loaded
	}

	svc := &Service{
		cfg:    cfg,
		model:  model,
		logger: logger,
		clock:  clock.New(),
		rig:    rig,
		gmap:   mapping.NewGraphMap(logger),
		graph:  optimize.NewChainGraph(),
	}
	if cfg.GlobalScale != 0 {
		if err := svc.gmap.SetGlobalScale(cfg.GlobalScale); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Handler builds the HTTP mux. The context bounds the lifetime of upload
// sessions accepted through it.
func (svc *Service) Handler(ctx context.Context) http.Handler {
	mux := goji.NewMux()
	mux.HandleFunc(pat.Get("/ws/upload"), func(w http.ResponseWriter, r *http.Request) {
		svc.handleUpload(ctx, w, r)
	})
	mux.Handle(pat.Get("/map/cloud.pcd"), &pcdHandler{svc})
	mux.Handle(pat.Get("/map/cloud.ply"), &plyHandler{svc})
	mux.Handle(pat.Get("/map/preview.png"), &previewHandler{svc})
	mux.Handle(pat.Get("/status"), &statusHandler{svc})
	return mux
}

// RunServer serves until the context is canceled, then shuts down and
// closes the model.
func (svc *Service) RunServer(ctx context.Context) (err error) {
	defer func() {
		err = multierr.Combine(err, svc.model.Close(context.Background()))
	}()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", svc.cfg.Port))
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:           listener.Addr().String(),
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Handler:        svc.Handler(ctx),
	}

	goutils.PanicCapturingGo(func() {
		<-ctx.Done()
		if err := httpServer.Shutdown(context.Background()); err != nil {
			svc.logger.Errorw("error shutting down", "error", err)
		}
	})

	svc.logger.Infow("serving", "url", fmt.Sprintf("http://%s", listener.Addr().String()))
	if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	// Shutdown does not wait for hijacked websocket connections; their
	// sessions stop through the same context.
	svc.activeSessions.Wait()
	return nil
}

// mergedCloud snapshots the whole map as one colored cloud, nil while the
// map is still empty.
func (svc *Service) mergedCloud() (pointcloud.PointCloud, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.gmap.Len() == 0 {
		return nil, nil
	}
	return svc.gmap.MergedPointCloud()
}

// pcdHandler serves the merged world cloud as binary PCD.
type pcdHandler struct {
	svc *Service
}

func (h *pcdHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cloud, err := h.svc.mergedCloud()
	if err != nil {
		http.Error(w, fmt.Sprintf("error building map cloud: %s", err), http.StatusInternalServerError)
		return
	}
	if cloud == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if err := pointcloud.ToPCD(cloud, w, pointcloud.PCDBinary); err != nil {
		h.svc.logger.Debugw("error writing pcd", "error", err)
		http.Error(w, fmt.Sprintf("error writing pcd: %s", err), http.StatusInternalServerError)
	}
}

// plyHandler serves the merged world cloud as binary PLY.
type plyHandler struct {
	svc *Service
}

func (h *plyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cloud, err := h.svc.mergedCloud()
	if err != nil {
		http.Error(w, fmt.Sprintf("error building map cloud: %s", err), http.StatusInternalServerError)
		return
	}
	if cloud == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if err := pointcloud.ToPLY(cloud, w, true); err != nil {
		h.svc.logger.Debugw("error writing ply", "error", err)
		http.Error(w, fmt.Sprintf("error writing ply: %s", err), http.StatusInternalServerError)
	}
}

// previewHandler serves the rendered top-down map view as PNG.
type previewHandler struct {
	svc *Service
}

func (h *previewHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	img, err := h.svc.RenderPreview()
	if err != nil {
		http.Error(w, fmt.Sprintf("error rendering preview: %s", err), http.StatusInternalServerError)
		return
	}
	if img == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, img); err != nil {
		h.svc.logger.Debugw("error writing preview", "error", err)
	}
}

// statusHandler serves a JSON summary of the map and session state.
type statusHandler struct {
	svc *Service
}

type statusResponse struct {
	SessionID      string  `json:"session_id"`
	SessionActive  bool    `json:"session_active"`
	Processing     bool    `json:"processing"`
	SubmapCount    int     `json:"submap_count"`
	FramesReceived int64   `json:"frames_received"`
	FramesAdmitted int64   `json:"frames_admitted"`
	GlobalScale    float64 `json:"global_scale"`
}

func (h *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	svc := h.svc
	svc.mu.Lock()
	submaps := svc.gmap.Len()
	scale := svc.gmap.GlobalScale()
	svc.mu.Unlock()

	resp := statusResponse{
		SessionID:      svc.sessionID.Load(),
		SessionActive:  svc.sessionActive.Load(),
		Processing:     svc.processing.Load(),
		SubmapCount:    submaps,
		FramesReceived: svc.framesReceived.Load(),
		FramesAdmitted: svc.framesAdmitted.Load(),
		GlobalScale:    scale,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		svc.logger.Debugw("error writing status", "error", err)
	}
}
