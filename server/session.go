package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	goutils "go.viam.com/utils"

	"go.viam.com/densemap/rimage"
	"go.viam.com/densemap/rimage/transform"

	// register the capture bridge's extra frame encodings
	_ "github.com/lmittmann/ppm"
	_ "github.com/xfmoulet/qoi"
)

const keepaliveInterval = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 20,
	WriteBufferSize: 1 << 20,
	// Capture bridges and the desktop frontend are not same-origin pages.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleUpload runs one capture session over a websocket. Only one client
// may stream at a time.
func (svc *Service) handleUpload(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if !svc.sessionActive.CompareAndSwap(false, true) {
		http.Error(w, "a capture session is already active", http.StatusConflict)
		return
	}
	defer svc.sessionActive.Store(false)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		svc.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	svc.activeSessions.Add(1)
	defer svc.activeSessions.Done()

	id := uuid.New().String()[:8]
	svc.sessionID.Store(id)
	newSession(svc, conn, id).run(ctx)
}

// session is one websocket capture stream: control lines and frame blobs
// in, submap clouds and status lines out.
type session struct {
	svc    *Service
	conn   *websocket.Conn
	logger golog.Logger
	id     string

	writeMu sync.Mutex

	admitter FrameAdmitter
	batches  *batcher

	depthMode bool
	tempDir   string

	nextFrameID   int
	lastWidth     int
	lastHeight    int
	awaitingDepth bool
	pendingFrame  *frame

	batchCh    chan []frame
	workerDone chan struct{}
	readerDone chan struct{}
}

func newSession(svc *Service, conn *websocket.Conn, id string) *session {
	var admitter FrameAdmitter = AdmitAll{}
	if svc.cfg.AdmitStride > 1 {
		admitter = StrideAdmitter{Stride: svc.cfg.AdmitStride}
	}
	return &session{
		svc:        svc,
		conn:       conn,
		logger:     svc.logger.With("session", id),
		id:         id,
		admitter:   admitter,
		batches:    newBatcher(svc.cfg.SubmapSize),
		batchCh:    make(chan []frame, 1),
		workerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

// run reads the stream until the client finishes or disconnects, then
// flushes, waits for in-flight work, and emits the session footer.
func (s *session) run(ctx context.Context) {
	defer goutils.UncheckedErrorFunc(s.conn.Close)

	tempDir, err := os.MkdirTemp("", "densemap-session-")
	if err != nil {
		s.logger.Errorw("cannot create session temp dir", "error", err)
		return
	}
	s.tempDir = tempDir
	defer func() {
		goutils.UncheckedError(os.RemoveAll(s.tempDir))
	}()

	goutils.PanicCapturingGo(func() {
		select {
		case <-ctx.Done():
			// unblocks the read loop on shutdown
			goutils.UncheckedErrorFunc(s.conn.Close)
		case <-s.readerDone:
		}
	})
	goutils.PanicCapturingGo(func() {
		defer close(s.workerDone)
		for batch := range s.batchCh {
			if ctx.Err() != nil {
				continue
			}
			s.runBatch(ctx, batch)
		}
	})

	s.logger.Infow("capture session open")
	finished := s.readLoop()
	close(s.readerDone)
	close(s.batchCh)
	<-s.workerDone

	if !finished {
		s.logger.Infow("capture session closed by client")
		return
	}
	if dir := s.svc.cfg.ExportDir; dir != "" {
		if err := s.svc.exportMap(dir); err != nil {
			s.logger.Errorw("map export failed", "error", err)
			goutils.UncheckedError(s.sendText("error:" + err.Error()))
		} else {
			s.logger.Infow("map exported", "dir", dir)
		}
	}
	goutils.UncheckedError(s.sendText("status:done:" + s.id))
	s.logger.Infow("capture session complete")
}

// readLoop consumes messages until the client sends done (true) or the
// connection ends (false).
func (s *session) readLoop() bool {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Debugw("websocket read ended", "error", err)
			return false
		}
		switch msgType {
		case websocket.TextMessage:
			if s.handleControl(string(data)) {
				return true
			}
		case websocket.BinaryMessage:
			s.handleBinary(data)
		}
	}
}

// handleControl processes one text line from the client, reporting whether
// it ended the stream.
func (s *session) handleControl(line string) bool {
	if line == "done" {
		s.finishPendingFrame()
		if batch := s.batches.flush(); batch != nil {
			s.enqueue(batch)
		}
		return true
	}
	parts := strings.SplitN(line, ":", 3)
	if len(parts) != 3 || parts[0] != "config" {
		s.logger.Warnw("ignoring unknown control message", "message", line)
		return false
	}
	enabled := parts[2] == "1"
	switch parts[1] {
	case "use_depth_maps":
		s.depthMode = enabled
		if enabled && !s.svc.cfg.DepthEnabled {
			s.logger.Warnw("client streams depth but depth_enabled is off; rasters will be dropped")
		}
	case "live_stream":
		s.logger.Debugw("live stream flag", "enabled", enabled)
	default:
		s.logger.Warnw("ignoring unknown config option", "option", parts[1])
	}
	return false
}

// finishPendingFrame admits an image whose depth raster never arrived.
func (s *session) finishPendingFrame() {
	if !s.awaitingDepth {
		return
	}
	s.awaitingDepth = false
	if s.pendingFrame != nil {
		s.admitFrame(*s.pendingFrame)
		s.pendingFrame = nil
	}
}

// handleBinary routes one binary message. In depth mode messages alternate
// between an encoded image and the float32 npy depth raster captured with
// it.
func (s *session) handleBinary(data []byte) {
	if s.depthMode && s.awaitingDepth {
		s.awaitingDepth = false
		f := s.pendingFrame
		s.pendingFrame = nil
		if f == nil {
			return
		}
		if s.svc.cfg.DepthEnabled {
			path, err := s.saveDepth(f.id, data)
			if err != nil {
				s.logger.Warnw("discarding unusable depth raster", "frame", f.id, "error", err)
			} else {
				f.depthPath = path
			}
		}
		s.admitFrame(*f)
		return
	}

	id := s.nextFrameID
	s.nextFrameID++
	s.svc.framesReceived.Inc()

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		s.logger.Warnw("discarding undecodable frame", "frame", id, "error", err)
		if s.depthMode {
			// swallow the paired depth raster too
			s.awaitingDepth = true
			s.pendingFrame = nil
		}
		return
	}
	bounds := img.Bounds()
	s.lastWidth, s.lastHeight = bounds.Dx(), bounds.Dy()

	f := frame{id: id, image: data}
	if s.depthMode {
		s.pendingFrame = &f
		s.awaitingDepth = true
		return
	}
	s.admitFrame(f)
}

// admitFrame runs the admission check and folds the frame into the next
// batch.
func (s *session) admitFrame(f frame) {
	if !s.admitter.Admit(f.id) {
		s.logger.Debugw("frame not admitted", "frame", f.id)
		return
	}
	s.svc.framesAdmitted.Inc()
	if batch := s.batches.add(f); batch != nil {
		s.enqueue(batch)
	}
}

// enqueue queues a batch behind the in-flight one. With a batch already
// waiting, the newer batch replaces it.
func (s *session) enqueue(batch []frame) {
	select {
	case s.batchCh <- batch:
		return
	default:
	}
	select {
	case dropped := <-s.batchCh:
		s.logger.Warnw("replacing queued batch", "dropped_frames", len(dropped))
	default:
	}
	s.batchCh <- batch
}

// saveDepth decodes a depth npy blob, projects it onto the color frame
// when a rig is configured, and persists it for refinement.
func (s *session) saveDepth(frameID int, data []byte) (string, error) {
	dm, err := rimage.ReadDepthMapFromNpyReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	if s.svc.rig != nil {
		dm, err = transform.ProjectDepthToColorFrame(dm, s.svc.rig, s.lastWidth, s.lastHeight)
		if err != nil {
			return "", err
		}
	}
	path := filepath.Join(s.tempDir, fmt.Sprintf("%06d.npy", frameID))
	if err := rimage.WriteDepthMapToNpyFile(path, dm); err != nil {
		return "", err
	}
	return path, nil
}

// runBatch drives one batch through the pipeline and streams the result
// back, keeping the socket warm while the model runs.
func (s *session) runBatch(ctx context.Context, batch []frame) {
	stop := s.startKeepalive(ctx)
	defer stop()

	uniqueID, ply, err := s.svc.processBatch(ctx, batch)
	if err != nil {
		s.logger.Errorw("batch processing failed", "frames", len(batch), "error", err)
		goutils.UncheckedError(s.sendText("error:" + err.Error()))
		return
	}
	if err := s.sendText("filename:" + uniqueID); err != nil {
		s.logger.Debugw("result announcement failed", "error", err)
		return
	}
	if err := s.sendBinary(ply); err != nil {
		s.logger.Debugw("result upload failed", "error", err)
		return
	}
	s.logger.Infow("submap ready", "id", uniqueID, "ply_bytes", len(ply))
}

// startKeepalive pings the client on an interval until the returned stop
// function runs.
func (s *session) startKeepalive(ctx context.Context) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	ticker := s.svc.clock.Ticker(keepaliveInterval)
	goutils.PanicCapturingGo(func() {
		defer close(stopped)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.sendText("ping"); err != nil {
					return
				}
			}
		}
	})
	return func() {
		close(done)
		<-stopped
	}
}

func (s *session) sendText(msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (s *session) sendBinary(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}
