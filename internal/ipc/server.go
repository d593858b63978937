package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sort"
	"sync"
	"time"

	"dopcast/internal/daemon"
	"dopcast/internal/logging"
	"dopcast/internal/runs"
)

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logger, ctx: ctx}
	if err := rpcServer.RegisterName("Dopcast", srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) log() *slog.Logger {
	if s.logger == nil {
		return logging.NewNop()
	}
	return logging.NewComponentLogger(s.logger, "ipc")
}

func (s *service) Start(_ StartRequest, resp *StartResponse) error {
	s.log().Debug("daemon start requested")
	if err := s.daemon.Start(s.ctx); err != nil {
		resp.Started = false
		resp.Message = err.Error()
		return nil
	}
	resp.Started = true
	resp.Message = "daemon started"
	s.log().Info("daemon started via IPC",
		logging.String(logging.FieldEventType, "daemon_start"))
	return nil
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.log().Debug("daemon stop requested")
	s.daemon.Stop()
	resp.Stopped = true
	s.log().Info("daemon stopped via IPC",
		logging.String(logging.FieldEventType, "daemon_stop"))
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	st := s.daemon.Status(s.ctx)
	resp.Running = st.Running
	resp.Stats = st.Summary.Stats
	resp.LastError = st.Summary.LastError
	resp.Active = st.Summary.Active
	resp.LockPath = st.LockFilePath
	resp.DBPath = st.StoreDBPath
	resp.PID = st.PID
	if len(st.Summary.StageHealth) > 0 {
		names := make([]string, 0, len(st.Summary.StageHealth))
		for name := range st.Summary.StageHealth {
			names = append(names, name)
		}
		sort.Strings(names)
		resp.StageHealth = make([]StageHealth, 0, len(names))
		for _, name := range names {
			health := st.Summary.StageHealth[name]
			resp.StageHealth = append(resp.StageHealth, StageHealth{
				Name:   name,
				Ready:  health.Ready,
				Detail: health.Detail,
			})
		}
	}
	return nil
}

func (s *service) Submit(req SubmitRequest, resp *SubmitResponse) error {
	s.log().Debug("run submit requested", logging.String("sport", req.Params.Sport))
	run, err := s.daemon.Submit(s.ctx, req.Params)
	if err != nil {
		return err
	}
	view, err := s.daemon.Run(s.ctx, run.ID)
	if err != nil {
		return err
	}
	resp.Run = view
	s.log().Info("run submitted via IPC",
		logging.String(logging.FieldEventType, "run_submit"),
		logging.String(logging.FieldRunID, run.ID))
	return nil
}

func (s *service) RunList(req RunListRequest, resp *RunListResponse) error {
	statuses := make([]runs.Status, 0, len(req.Statuses))
	for _, value := range req.Statuses {
		parsed, ok := runs.ParseStatus(value)
		if !ok {
			continue
		}
		statuses = append(statuses, parsed)
	}
	views, err := s.daemon.Runs(s.ctx, req.Limit, statuses...)
	if err != nil {
		return err
	}
	resp.Runs = views
	return nil
}

func (s *service) RunDescribe(req RunDescribeRequest, resp *RunDescribeResponse) error {
	if req.ID == "" {
		return errors.New("run id required")
	}
	view, err := s.daemon.Run(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.Run = view
	entries, err := s.daemon.StageLog(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.StageLog = make([]StageLogLine, 0, len(entries))
	for _, entry := range entries {
		resp.StageLog = append(resp.StageLog, StageLogLine{
			Stage:     entry.Stage,
			Attempt:   entry.Attempt,
			Level:     entry.Level,
			Message:   entry.Message,
			CreatedAt: entry.CreatedAt,
		})
	}
	return nil
}

func (s *service) Cancel(req CancelRequest, resp *CancelResponse) error {
	if req.ID == "" {
		return errors.New("run id required")
	}
	s.log().Debug("run cancel requested", logging.String(logging.FieldRunID, req.ID))
	if err := s.daemon.Cancel(s.ctx, req.ID); err != nil {
		return err
	}
	resp.Requested = true
	s.log().Info("run cancel requested via IPC",
		logging.String(logging.FieldEventType, "run_cancel"),
		logging.String(logging.FieldRunID, req.ID))
	return nil
}

func (s *service) Resume(req ResumeRequest, resp *ResumeResponse) error {
	if req.ID == "" {
		return errors.New("run id required")
	}
	s.log().Debug("run resume requested", logging.String(logging.FieldRunID, req.ID))
	if err := s.daemon.Resume(s.ctx, req.ID); err != nil {
		return err
	}
	resp.Resumed = true
	s.log().Info("run resumed via IPC",
		logging.String(logging.FieldEventType, "run_resume"),
		logging.String(logging.FieldRunID, req.ID))
	return nil
}

func scheduleView(job *runs.Job) ScheduleView {
	return ScheduleView{
		ID:           job.ID,
		Params:       job.Params,
		EverySeconds: int(job.Every / time.Second),
		NextFireTime: job.NextFireTime,
		CreatedAt:    job.CreatedAt,
	}
}

func (s *service) ScheduleAdd(req ScheduleAddRequest, resp *ScheduleAddResponse) error {
	job, err := s.daemon.Schedule(s.ctx, req.Params, req.FireAt,
		time.Duration(req.EverySeconds)*time.Second)
	if err != nil {
		return err
	}
	resp.Job = scheduleView(job)
	s.log().Info("schedule added via IPC",
		logging.String(logging.FieldEventType, "schedule_add"),
		logging.String("job_id", job.ID))
	return nil
}

func (s *service) ScheduleList(_ ScheduleListRequest, resp *ScheduleListResponse) error {
	jobs, err := s.daemon.Jobs(s.ctx)
	if err != nil {
		return err
	}
	resp.Jobs = make([]ScheduleView, 0, len(jobs))
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, scheduleView(job))
	}
	return nil
}

func (s *service) ScheduleCancel(req ScheduleCancelRequest, resp *ScheduleCancelResponse) error {
	if req.ID == "" {
		return errors.New("job id required")
	}
	if err := s.daemon.CancelJob(s.ctx, req.ID); err != nil {
		return err
	}
	resp.Removed = true
	s.log().Info("schedule removed via IPC",
		logging.String(logging.FieldEventType, "schedule_cancel"),
		logging.String("job_id", req.ID))
	return nil
}
