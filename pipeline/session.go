package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/Tutortoise/plate-checkin-service/detections"
	"github.com/Tutortoise/plate-checkin-service/metrics"
	"github.com/Tutortoise/plate-checkin-service/models"
	"github.com/Tutortoise/plate-checkin-service/ocr"
	"github.com/Tutortoise/plate-checkin-service/overlay"
	"github.com/Tutortoise/plate-checkin-service/plates"
)

// InferenceEngine runs the plate detector on a [1,3,640,640] tensor and
// returns its raw [1,5,8400] output. Implementations must not keep input
// after Run returns. The engine is opened once and shared read-only by
// every cycle; implementations that serve several sessions at once must be
// safe for concurrent use.
type InferenceEngine interface {
	Run(ctx context.Context, input []float32) (detections.RawOutput, error)
}

// MatchConsumer receives a session's match result, once.
type MatchConsumer interface {
	Deliver(ctx context.Context, result models.MatchResult) error
}

type OverlaySink interface {
	Publish(u overlay.Update)
}

type Config struct {
	ID            string
	ExpectedPlate string
	ReservationID int
	Mode          plates.Mode
	ViewWidth     int
	ViewHeight    int
	Threshold     float32
	InputSize     int
	// CycleTimeout bounds inference and OCR for one frame. Zero waits
	// indefinitely.
	CycleTimeout time.Duration
}

type Dependencies struct {
	Engine InferenceEngine
	// EngineErr is the error from opening the engine, if any.
	EngineErr  error
	Recognizer ocr.Recognizer
	Consumer   MatchConsumer
	Overlay    OverlaySink
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	// Now stamps client activity. Defaults to time.Now.
	Now func() time.Time
}

// Session runs the detect, read and match loop for one expected plate.
// Frames are analyzed one at a time by a single worker goroutine; OCR runs
// asynchronously so the next frame can be analyzed while text is read.
type Session struct {
	cfg     Config
	deps    Dependencies
	log     *zap.Logger
	matcher *plates.Matcher
	pre     *detections.Preprocessor
	mailbox *Mailbox

	mu       sync.Mutex
	state    State
	err      error
	result   *models.MatchResult
	started  bool
	active   time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once

	cycles uint64
}

func NewSession(cfg Config, deps Dependencies) *Session {
	if cfg.Mode == "" {
		cfg.Mode = plates.ModeCheckin
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = detections.ConfThreshold
	}
	if cfg.InputSize == 0 {
		cfg.InputSize = detections.InputSize
	}
	if deps.Recognizer == nil {
		deps.Recognizer = ocr.Disabled{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := &Session{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger.With(zap.String("session", cfg.ID)),
		matcher: plates.NewMatcher(cfg.ExpectedPlate, cfg.ReservationID, cfg.Mode),
		pre:     detections.NewPreprocessor(cfg.InputSize),
		mailbox: NewMailbox(),
		state:   StateIdle,
		active:  deps.Now(),
		done:    make(chan struct{}),
	}

	if deps.Engine == nil || deps.EngineErr != nil {
		cause := deps.EngineErr
		if cause == nil {
			cause = errors.New("no engine configured")
		}
		s.state = StateFailed
		s.err = fmt.Errorf("%w: %v", ErrModelUnavailable, cause)
		s.mailbox.Close()
		s.complete()
		s.log.Error("session failed at start", zap.Error(s.err))
	}
	return s
}

func (s *Session) ID() string { return s.cfg.ID }

func (s *Session) Config() Config { return s.cfg }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the reason a session failed or was cancelled.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Result() (models.MatchResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return models.MatchResult{}, false
	}
	return *s.result, true
}

// LastActive is when the client last started, answered or fed the session.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Done is closed once the session is terminal and any match has been
// delivered.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start moves an idle session to AwaitingPermission and launches the
// worker. The worker stops when ctx is cancelled or the session ends.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state, err := s.state, s.err
		s.mu.Unlock()
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, state)
	}
	wctx, cancel := context.WithCancel(ctx)
	s.state = StateAwaitingPermission
	s.active = s.deps.Now()
	s.cancel = cancel
	s.started = true
	s.mu.Unlock()

	s.deps.Metrics.SessionStarted()
	s.log.Info("session started",
		zap.String("expected_plate", s.matcher.Expected()),
		zap.Int("reservation_id", s.cfg.ReservationID),
		zap.String("mode", string(s.cfg.Mode)))

	go s.run(wctx)
	return nil
}

// Grant records that the frame source may deliver frames.
func (s *Session) Grant() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitingPermission {
		return fmt.Errorf("%w: grant from %s", ErrInvalidTransition, s.state)
	}
	s.state = StateRunning
	s.active = s.deps.Now()
	s.log.Info("camera permission granted")
	return nil
}

func (s *Session) Deny() error {
	if from, ok := s.transitionFrom(StateAwaitingPermission, StateFailed, ErrPermissionDenied, nil); !ok {
		return fmt.Errorf("%w: deny from %s", ErrInvalidTransition, from)
	}
	s.complete()
	return nil
}

// Cancel ends a non-terminal session. It reports whether this call ended it.
func (s *Session) Cancel() bool {
	if !s.transition(StateCancelled, context.Canceled, nil) {
		return false
	}
	s.complete()
	return true
}

// Offer hands a frame to the session. The session owns f from here on. It
// reports whether f was kept for analysis; a frame offered while a cycle is
// running replaces any frame still waiting.
func (s *Session) Offer(f Frame) bool {
	s.deps.Metrics.FrameReceived()

	s.mu.Lock()
	s.active = s.deps.Now()
	state := s.state
	s.mu.Unlock()

	if state != StateRunning {
		f.Release()
		s.deps.Metrics.FrameDropped()
		return false
	}

	displaced, ok := s.mailbox.Put(f)
	if !ok {
		f.Release()
		s.deps.Metrics.FrameDropped()
		return false
	}
	if displaced != nil {
		displaced.Release()
		s.deps.Metrics.FrameDropped()
	}
	return true
}

func (s *Session) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if s.transition(StateCancelled, ctx.Err(), nil) {
				s.complete()
			}
			return
		case <-s.mailbox.Ready():
		}

		f, ok := s.mailbox.Take()
		if !ok {
			continue
		}
		s.analyze(ctx, f)
	}
}

// analyze runs one cycle on f and always releases it.
func (s *Session) analyze(ctx context.Context, f Frame) {
	defer f.Release()

	if s.State() != StateRunning {
		s.deps.Metrics.FrameDropped()
		return
	}

	s.cycles++
	seq := s.cycles
	timings := &models.ProcessingTimings{SessionID: s.cfg.ID, Cycle: seq}
	start := time.Now()
	defer func() {
		timings.Total = time.Since(start)
		s.logTimings(timings)
	}()

	img, err := f.Image()
	if err != nil {
		s.skip(seq, metrics.OutcomeResourceError, err)
		return
	}
	bounds := img.Bounds()
	imgW, imgH := bounds.Dx(), bounds.Dy()

	stepStart := time.Now()
	tensor, err := s.pre.Process(img)
	timings.Preprocess = time.Since(stepStart)
	if err != nil {
		s.skip(seq, metrics.OutcomePreprocessError, err)
		return
	}
	defer s.pre.Recycle(tensor)

	stepStart = time.Now()
	out, err := s.infer(ctx, tensor)
	timings.Inference = time.Since(stepStart)
	s.deps.Metrics.Inference(timings.Inference.Seconds())
	if err != nil {
		s.skip(seq, metrics.OutcomeInferenceError, err)
		return
	}

	stepStart = time.Now()
	feat, err := detections.Reshape(out)
	if err != nil {
		s.skip(seq, metrics.OutcomeShapeError, err)
		return
	}
	dets, err := detections.Postprocess(feat)
	timings.Postprocess = time.Since(stepStart)
	if err != nil {
		s.skip(seq, metrics.OutcomeShapeError, err)
		return
	}

	stepStart = time.Now()
	box, found := detections.Select(dets, imgW, imgH, s.cfg.Threshold)
	timings.Selection = time.Since(stepStart)
	if !found {
		s.deps.Metrics.Cycle(metrics.OutcomeNoBox)
		s.publish(overlay.Update{Seq: seq})
		return
	}

	stepStart = time.Now()
	crop := imaging.Crop(img, image.Rect(
		bounds.Min.X+box.Left, bounds.Min.Y+box.Top,
		bounds.Min.X+box.Right, bounds.Min.Y+box.Bottom,
	))
	timings.Crop = time.Since(stepStart)

	s.deps.Metrics.Cycle(metrics.OutcomeBox)
	s.log.Debug("plate box selected",
		zap.Uint64("cycle", seq),
		zap.Float32("confidence", box.Confidence),
		zap.Int("left", box.Left), zap.Int("top", box.Top),
		zap.Int("right", box.Right), zap.Int("bottom", box.Bottom))

	go s.recognize(ctx, seq, crop)

	display := overlay.Map(box, imgW, imgH, s.cfg.ViewWidth, s.cfg.ViewHeight)
	s.publish(overlay.Update{Seq: seq, Box: &display, Crop: crop})
}

func (s *Session) infer(ctx context.Context, tensor []float32) (detections.RawOutput, error) {
	ctx, cancel := s.boundedContext(ctx)
	defer cancel()
	return s.deps.Engine.Run(ctx, tensor)
}

func (s *Session) boundedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.CycleTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.CycleTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Session) skip(seq uint64, outcome string, err error) {
	s.deps.Metrics.Cycle(outcome)
	if errors.Is(err, detections.ErrOutputShape) {
		s.log.Warn("cycle skipped", zap.Uint64("cycle", seq), zap.String("outcome", outcome), zap.Error(err))
	} else {
		s.log.Debug("cycle skipped", zap.Uint64("cycle", seq), zap.String("outcome", outcome), zap.Error(err))
	}
	s.publish(overlay.Update{Seq: seq})
}

func (s *Session) publish(u overlay.Update) {
	if s.deps.Overlay != nil {
		s.deps.Overlay.Publish(u)
	}
}

// recognize reads the crop and, on a plate match, ends the session.
func (s *Session) recognize(ctx context.Context, seq uint64, crop image.Image) {
	if s.State() != StateRunning {
		return
	}

	rctx, cancel := s.boundedContext(ctx)
	defer cancel()

	start := time.Now()
	text, err := s.deps.Recognizer.Recognize(rctx, crop)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		s.deps.Metrics.OCR(metrics.OCRError, elapsed)
		s.log.Debug("ocr failed", zap.Uint64("cycle", seq), zap.Error(fmt.Errorf("%w: %v", ErrRecognition, err)))
		return
	}

	reading := plates.Read(text)
	if reading.NonLatinDigits {
		s.log.Debug("ocr text contains non-latin digits", zap.Uint64("cycle", seq), zap.String("text", text))
	}
	if !reading.Found {
		s.deps.Metrics.OCR(metrics.OCRNoPlate, elapsed)
		s.log.Debug("no plate in ocr text", zap.Uint64("cycle", seq), zap.String("text", text))
		return
	}
	s.deps.Metrics.OCR(metrics.OCRText, elapsed)
	s.log.Debug("plate read", zap.Uint64("cycle", seq), zap.String("plate", reading.Canonical))

	result, ok := s.matcher.Evaluate(reading.Canonical, reading.Found)
	if !ok {
		return
	}
	if !s.transition(StateMatched, nil, &result) {
		return
	}

	s.deps.Metrics.Match(result.Mode)
	s.log.Info("plate matched",
		zap.Uint64("cycle", seq),
		zap.String("plate", reading.Canonical),
		zap.Int("reservation_id", result.ReservationID),
		zap.String("mode", result.Mode))

	if s.deps.Consumer != nil {
		if err := s.deps.Consumer.Deliver(context.WithoutCancel(ctx), result); err != nil {
			s.log.Error("match delivery failed", zap.Int("reservation_id", result.ReservationID), zap.Error(err))
		}
	}
	s.complete()
}

// transition moves a non-terminal session into a terminal state, stops
// frame intake and the worker, and releases any pending frame.
func (s *Session) transition(to State, err error, result *models.MatchResult) bool {
	_, ok := s.end(func(State) bool { return true }, to, err, result)
	return ok
}

// transitionFrom ends the session only if it is still in want. It returns
// the state it found.
func (s *Session) transitionFrom(want, to State, err error, result *models.MatchResult) (State, bool) {
	return s.end(func(cur State) bool { return cur == want }, to, err, result)
}

func (s *Session) end(allowed func(State) bool, to State, err error, result *models.MatchResult) (State, bool) {
	s.mu.Lock()
	from := s.state
	if from.Terminal() || !allowed(from) {
		s.mu.Unlock()
		return from, false
	}
	s.state = to
	s.err = err
	s.result = result
	cancel := s.cancel
	s.mu.Unlock()

	if pending := s.mailbox.Close(); pending != nil {
		pending.Release()
		s.deps.Metrics.FrameDropped()
	}
	if cancel != nil {
		cancel()
	}

	fields := []zap.Field{zap.String("from", from.String()), zap.String("to", to.String())}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.log.Info("session ended", fields...)
	return from, true
}

func (s *Session) complete() {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if started {
			s.deps.Metrics.SessionEnded()
		}
		close(s.done)
	})
}

func (s *Session) logTimings(t *models.ProcessingTimings) {
	if ce := s.log.Check(zap.DebugLevel, "cycle timings"); ce != nil {
		ce.Write(
			zap.Uint64("cycle", t.Cycle),
			zap.Duration("preprocess", t.Preprocess),
			zap.Duration("inference", t.Inference),
			zap.Duration("postprocess", t.Postprocess),
			zap.Duration("selection", t.Selection),
			zap.Duration("crop", t.Crop),
			zap.Duration("total", t.Total),
		)
	}
}
