package livekit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"spritebot/core"
	"spritebot/handlers/transport"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"google.golang.org/protobuf/proto"
)

const (
	defaultDrainTimeout = 30 * time.Minute
	reconnectDelay      = time.Second
	statusInterval      = 2 * time.Second
)

// Config configures the agent worker registration against a LiveKit server.
type Config struct {
	URL       string
	APIKey    string
	APISecret string
	AgentName string
	Version   string
	MaxJobs   uint32

	// DevMode lifts the job cap and picks a random health port.
	DevMode bool

	HTTPPort     int
	DrainTimeout time.Duration
	Logger       *core.Logger

	JobTypes    []livekit.JobType
	Permissions *livekit.ParticipantPermission
}

func DefaultConfig() Config {
	return Config{
		Version:      "1.0.0",
		MaxJobs:      1,
		HTTPPort:     9999,
		DrainTimeout: defaultDrainTimeout,
		Logger:       core.GetLogger(),
		JobTypes:     []livekit.JobType{livekit.JobType_JT_ROOM},
		Permissions: &livekit.ParticipantPermission{
			CanPublish:     true,
			CanSubscribe:   true,
			CanPublishData: true,
			Agent:          true,
		},
	}
}

// Provider registers as an agent worker and dispatches assigned jobs to the
// pipeline's job handler, one room session per job.
type Provider struct {
	cfg    Config
	logger *core.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu   sync.Mutex
	conn     *websocket.Conn
	workerID string
	draining bool

	jobsMu sync.Mutex
	jobs   map[string]*activeJob

	handler func(transport.ITransportService, context.Context) error

	health   *http.Server
	healthLn net.Listener
}

type activeJob struct {
	room   string
	cancel context.CancelFunc
}

func NewProvider(cfg Config) (*Provider, error) {
	if cfg.URL == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("livekit provider: URL, APIKey and APISecret are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = core.GetLogger()
	}
	if cfg.DevMode {
		cfg.MaxJobs = 100
		cfg.HTTPPort = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		cfg:    cfg,
		logger: cfg.Logger.With(map[string]interface{}{"agent": cfg.AgentName}),
		ctx:    ctx,
		cancel: cancel,
		jobs:   map[string]*activeJob{},
	}, nil
}

// RegisterJobHandler implements transport.ITransportProvider.
func (p *Provider) RegisterJobHandler(handler func(transport.ITransportService, context.Context) error) error {
	if handler == nil {
		return errors.New("livekit provider: nil job handler")
	}
	p.handler = handler
	return nil
}

func (p *Provider) Start() error {
	p.logger.Info("livekit provider: starting", "url", p.cfg.URL)
	if err := p.serveHealth(); err != nil {
		return err
	}
	p.wg.Add(1)
	go p.statusLoop()
	go p.dial()
	return nil
}

// Stop drains running jobs, then closes the worker connection.
func (p *Provider) Stop() error {
	p.connMu.Lock()
	p.draining = true
	p.connMu.Unlock()
	p.cancel()

	deadline := time.Now().Add(p.cfg.DrainTimeout)
	for time.Now().Before(deadline) && p.jobCount() > 0 {
		time.Sleep(100 * time.Millisecond)
	}
	p.jobsMu.Lock()
	for _, j := range p.jobs {
		j.cancel()
	}
	p.jobsMu.Unlock()

	p.closeConn()
	if p.health != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		p.health.Shutdown(ctx)
		cancel()
	}
	if p.healthLn != nil {
		p.healthLn.Close()
	}
	p.wg.Wait()
	return nil
}

func (p *Provider) jobCount() int {
	p.jobsMu.Lock()
	defer p.jobsMu.Unlock()
	return len(p.jobs)
}

func (p *Provider) closeConn() {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// dial connects to the /agent endpoint and registers the worker. On failure
// it retries until the provider stops.
func (p *Provider) dial() {
	for p.ctx.Err() == nil {
		if err := p.connectOnce(); err != nil {
			p.logger.Warn("livekit provider: connect failed", "error", err)
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(reconnectDelay):
				continue
			}
		}
		return
	}
}

func (p *Provider) connectOnce() error {
	p.closeConn()

	endpoint, err := url.Parse(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	case "http":
		endpoint.Scheme = "ws"
	}
	endpoint.Path = "/agent"

	identity := p.cfg.AgentName
	if identity == "" {
		identity = "go-agent-worker"
	}
	token, err := auth.NewAccessToken(p.cfg.APIKey, p.cfg.APISecret).
		SetIdentity(identity).
		SetValidFor(24 * time.Hour).
		SetVideoGrant(&auth.VideoGrant{Agent: true}).
		ToJWT()
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.DialContext(p.ctx, endpoint.String(), headers)
	if err != nil {
		return err
	}

	p.connMu.Lock()
	p.conn = conn
	p.connMu.Unlock()

	err = p.send(&livekit.WorkerMessage{Message: &livekit.WorkerMessage_Register{
		Register: &livekit.RegisterWorkerRequest{
			Type:               p.cfg.JobTypes[0],
			AgentName:          p.cfg.AgentName,
			Version:            p.cfg.Version,
			AllowedPermissions: p.cfg.Permissions,
		},
	}})
	if err != nil {
		p.closeConn()
		return fmt.Errorf("register: %w", err)
	}

	p.wg.Add(1)
	go p.readLoop(conn)
	p.logger.Info("livekit provider: connected")
	return nil
}

func (p *Provider) send(msg *livekit.WorkerMessage) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return err
	}
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn == nil {
		return errors.New("livekit provider: not connected")
	}
	return p.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (p *Provider) readLoop(conn *websocket.Conn) {
	defer p.wg.Done()

	for p.ctx.Err() == nil {
		_, data, err := conn.ReadMessage()
		if err != nil {
			p.connMu.Lock()
			draining := p.draining
			p.connMu.Unlock()
			if !draining && p.ctx.Err() == nil {
				p.logger.Warn("livekit provider: connection lost", "error", err)
				go p.dial()
			}
			return
		}

		var msg livekit.ServerMessage
		if err := proto.Unmarshal(data, &msg); err != nil {
			p.logger.Error("livekit provider: bad server message", "error", err)
			continue
		}

		switch m := msg.Message.(type) {
		case *livekit.ServerMessage_Register:
			p.workerID = m.Register.WorkerId
			p.logger.Info("livekit provider: registered", "workerID", p.workerID)
		case *livekit.ServerMessage_Availability:
			p.answerAvailability(m.Availability.Job)
		case *livekit.ServerMessage_Assignment:
			p.acceptAssignment(m.Assignment)
		case *livekit.ServerMessage_Termination:
			p.jobsMu.Lock()
			if j, ok := p.jobs[m.Termination.JobId]; ok {
				j.cancel()
				delete(p.jobs, m.Termination.JobId)
			}
			p.jobsMu.Unlock()
		}
	}
}

// answerAvailability declines when the room already has one of our sessions
// or the job cap is reached.
func (p *Provider) answerAvailability(job *livekit.Job) {
	if job == nil {
		return
	}

	p.jobsMu.Lock()
	available := uint32(len(p.jobs)) < p.cfg.MaxJobs
	for _, j := range p.jobs {
		if j.room == job.Room.GetName() {
			available = false
			break
		}
	}
	p.jobsMu.Unlock()

	name := p.cfg.AgentName
	if name == "" {
		name = "agent"
	}
	if err := p.send(&livekit.WorkerMessage{Message: &livekit.WorkerMessage_Availability{
		Availability: &livekit.AvailabilityResponse{
			JobId:               job.Id,
			Available:           available,
			ParticipantIdentity: fmt.Sprintf("%s-%s", name, randomSuffix()),
			ParticipantName:     name,
		},
	}}); err != nil {
		p.logger.Warn("livekit provider: availability response failed", "error", err)
	}
}

func (p *Provider) acceptAssignment(assign *livekit.JobAssignment) {
	job := assign.Job
	if job == nil || assign.Token == "" {
		return
	}

	ctx, cancel := context.WithCancel(p.ctx)
	p.jobsMu.Lock()
	p.jobs[job.Id] = &activeJob{room: job.Room.GetName(), cancel: cancel}
	p.jobsMu.Unlock()

	p.reportJob(job.Id, livekit.JobStatus_JS_RUNNING, "")
	p.wg.Add(1)
	go p.runJob(ctx, job, assign.Token)
}

func (p *Provider) runJob(ctx context.Context, job *livekit.Job, token string) {
	defer p.wg.Done()
	roomName := job.Room.GetName()

	defer func() {
		p.jobsMu.Lock()
		delete(p.jobs, job.Id)
		p.jobsMu.Unlock()
	}()

	if p.handler == nil {
		p.reportJob(job.Id, livekit.JobStatus_JS_FAILED, "no job handler registered")
		return
	}

	jobLogger, closeLog := p.sessionLogger(job.Id, roomName)
	defer closeLog()
	ctx = core.ContextWithSessionLogger(ctx, jobLogger)

	cfg := DefaultRoomConfig()
	cfg.RoomName = roomName
	cfg.URL = p.cfg.URL
	cfg.Token = token
	cfg.AgentName = p.cfg.AgentName
	cfg.Logger = jobLogger
	if job.Participant != nil {
		cfg.Participant = job.Participant.Identity
	}
	session := NewRoomTransport(cfg)

	// The handler watches ctx itself; waiting here keeps the job slot held
	// until its runner and transport have fully shut down.
	if err := p.handler(session, ctx); err != nil {
		p.reportJob(job.Id, livekit.JobStatus_JS_FAILED, err.Error())
	} else {
		p.reportJob(job.Id, livekit.JobStatus_JS_SUCCESS, "")
	}
	jobLogger.Info("livekit provider: job finished", "job", job.Id)

	p.kickRemainingParticipants(roomName)
}

func (p *Provider) sessionLogger(jobID, roomName string) (*core.Logger, func()) {
	logDir := os.Getenv("LOG_DIR")
	if logDir == "" {
		logDir = "logs"
	}
	base := p.logger
	closeLog := func() {}
	if w, err := core.NewSessionWriter(logDir, jobID, roomName); err == nil {
		base = core.NewSessionLogger(p.logger, w)
		closeLog = w.Close
	} else {
		p.logger.Warn("livekit provider: session log unavailable", "error", err)
	}
	return base.With(map[string]interface{}{"job": jobID, "room": roomName}), closeLog
}

// kickRemainingParticipants empties the room once the agent is done so the
// server can reap it.
func (p *Provider) kickRemainingParticipants(roomName string) {
	svc := lksdk.NewRoomServiceClient(p.cfg.URL, p.cfg.APIKey, p.cfg.APISecret)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := svc.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: roomName})
	if err != nil {
		p.logger.Warn("livekit provider: list participants failed", "room", roomName, "error", err)
		return
	}
	for _, participant := range resp.Participants {
		if participant.Kind == livekit.ParticipantInfo_AGENT {
			continue
		}
		if _, err := svc.RemoveParticipant(ctx, &livekit.RoomParticipantIdentity{
			Room:     roomName,
			Identity: participant.Identity,
		}); err != nil {
			p.logger.Warn("livekit provider: remove participant failed",
				"room", roomName, "participant", participant.Identity, "error", err)
		}
	}
}

func (p *Provider) reportJob(jobID string, status livekit.JobStatus, errMsg string) {
	if err := p.send(&livekit.WorkerMessage{Message: &livekit.WorkerMessage_UpdateJob{
		UpdateJob: &livekit.UpdateJobStatus{
			JobId:  jobID,
			Status: status,
			Error:  errMsg,
		},
	}}); err != nil {
		p.logger.Warn("livekit provider: job status update failed", "job", jobID, "error", err)
	}
}

// statusLoop keeps the server's view of our load current.
func (p *Provider) statusLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			_ = p.send(&livekit.WorkerMessage{Message: &livekit.WorkerMessage_UpdateWorker{
				UpdateWorker: &livekit.UpdateWorkerStatus{
					Status:   livekit.WorkerStatus_WS_AVAILABLE.Enum(),
					JobCount: uint32(p.jobCount()),
				},
			}})
		}
	}
}

func (p *Provider) serveHealth() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		p.connMu.Lock()
		up := p.conn != nil
		p.connMu.Unlock()
		if !up {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"jobs":   p.jobCount(),
		})
	})

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p.cfg.HTTPPort))
	if err != nil {
		return fmt.Errorf("livekit provider: health listener: %w", err)
	}
	p.healthLn = ln
	p.health = &http.Server{Handler: mux}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.health.Serve(ln)
	}()
	return nil
}
