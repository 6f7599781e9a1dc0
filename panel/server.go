// Package panel is the HTTP/JSON surface of the BLE control panel. Every BLE
// operation is queued as a task and the handler returns at once; clients poll
// /tasks/{id}, /devices, /services and /notifications for results.
package panel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/davidoram/bletool/bledev"
	"github.com/davidoram/bletool/session"
	"github.com/davidoram/bletool/tasks"
)

// Options tunes the BLE operations started by the panel.
type Options struct {
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
}

// Server wires HTTP requests to the session and the task queue.
type Server struct {
	adapter bledev.Adapter
	sess    *session.Session
	queue   *tasks.Queue
	opts    Options
}

func NewServer(adapter bledev.Adapter, sess *session.Session, queue *tasks.Queue, opts Options) *Server {
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 5 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &Server{adapter: adapter, sess: sess, queue: queue, opts: opts}
}

// Handler returns the panel routes with the session attached to every
// request context.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /scan", s.handleScan)
	mux.HandleFunc("GET /devices", s.handleDevices)
	mux.HandleFunc("POST /connect", s.handleConnect)
	mux.HandleFunc("POST /disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /services", s.handleServices)
	mux.HandleFunc("POST /start_notify", s.handleStartNotify)
	mux.HandleFunc("POST /send", s.handleSend)
	mux.HandleFunc("GET /notifications", s.handleNotifications)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /tasks/{id}", s.handleTask)
	mux.HandleFunc("DELETE /tasks/{id}", s.handleCancelTask)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{Status: "ok", Message: "service running"})
	})
	return withSession(s.sess, mux)
}

func withSession(sess *session.Session, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r.WithContext(session.NewContext(r.Context(), sess)))
	})
}

type response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tasks.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, tasks.ErrQueueFull), errors.Is(err, tasks.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, tasks.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	hlog.FromRequest(r).Info().Err(err).Int("status", code).Msg("request rejected")
	writeJSON(w, code, response{Status: "error", Message: err.Error()})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("request body must be a JSON object")
	}
	return nil
}

// submit queues fn and answers 202 with the task id. undo rolls the session
// back when fn will never run: the queue refused it or it was canceled
// before starting.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, kind, message string, fn tasks.Func, undo tasks.Abort) {
	task, err := s.queue.SubmitAbortable(kind, fn, undo)
	if err != nil {
		if undo != nil {
			undo(err)
		}
		writeError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("task_id", task.ID).Str("kind", kind).Msg("task submitted")
	writeJSON(w, http.StatusAccepted, response{Status: "success", Message: message, TaskID: task.ID})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if err := sess.BeginScan(); err != nil {
		writeError(w, r, err)
		return
	}
	s.submit(w, r, "scan", "scan started", func(ctx context.Context) (interface{}, error) {
		devices, err := s.adapter.Scan(ctx, s.opts.ScanTimeout)
		devices = bledev.FilterDevices(devices)
		sess.EndScan(devices, err)
		if err != nil {
			return nil, err
		}
		return devices, nil
	}, func(err error) { sess.EndScan(nil, err) })
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := session.FromContext(r.Context()).Devices()
	if devices == nil {
		devices = []bledev.Device{}
	}
	writeJSON(w, http.StatusOK, struct {
		Devices []bledev.Device `json:"devices"`
	}{devices})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Address == "" {
		writeError(w, r, errors.New("device address is required"))
		return
	}
	sess := session.FromContext(r.Context())
	if err := sess.BeginConnect(req.Address); err != nil {
		writeError(w, r, err)
		return
	}
	s.submit(w, r, "connect", "connecting to "+req.Address, func(ctx context.Context) (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
		defer cancel()
		c, err := s.adapter.Connect(ctx, req.Address)
		if err != nil {
			sess.FailConnect(err)
			return nil, err
		}
		if err := sess.Connect(c); err != nil {
			_ = c.Disconnect(ctx)
			return nil, err
		}
		return sess.Snapshot(), nil
	}, sess.FailConnect)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if _, err := sess.Conn(); err != nil {
		writeError(w, r, err)
		return
	}
	s.submit(w, r, "disconnect", "disconnecting", func(ctx context.Context) (interface{}, error) {
		c, err := sess.Disconnect()
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
		defer cancel()
		return nil, c.Disconnect(ctx)
	}, nil)
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	c, err := sess.Conn()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if services, ok := sess.Services(); ok {
		writeJSON(w, http.StatusOK, struct {
			Status   string           `json:"status"`
			Services []bledev.Service `json:"services"`
		}{"success", services})
		return
	}
	s.submit(w, r, "services", "discovering services", func(ctx context.Context) (interface{}, error) {
		services, err := c.Services(ctx)
		if err != nil {
			return nil, err
		}
		sess.SetServices(c, services)
		return services, nil
	}, nil)
}

func (s *Server) handleStartNotify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CharacteristicUUID string `json:"characteristic_uuid"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess := session.FromContext(r.Context())
	c, err := sess.Conn()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.CharacteristicUUID == "" {
		writeError(w, r, errors.New("characteristic_uuid is required"))
		return
	}
	s.submit(w, r, "start_notify", "subscribing to "+req.CharacteristicUUID, func(ctx context.Context) (interface{}, error) {
		return nil, c.Subscribe(ctx, req.CharacteristicUUID, sess.AddNotification)
	}, nil)
}

type sendRequest struct {
	ServiceUUID        string `json:"service_uuid"`
	CharacteristicUUID string `json:"characteristic_uuid"`
	TextData           string `json:"text_data"`
	Format             string `json:"format"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ServiceUUID == "" || req.CharacteristicUUID == "" || req.TextData == "" {
		writeError(w, r, errors.New("service_uuid, characteristic_uuid and text_data are required"))
		return
	}
	sess := session.FromContext(r.Context())
	c, err := sess.Conn()
	if err != nil {
		writeError(w, r, err)
		return
	}
	payload, err := bledev.EncodePayload(req.Format, req.TextData)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.submit(w, r, "send", "sending data", func(ctx context.Context) (interface{}, error) {
		if err := c.Write(ctx, req.ServiceUUID, req.CharacteristicUUID, payload); err != nil {
			return nil, err
		}
		return len(payload), nil
	}, nil)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	notes := session.FromContext(r.Context()).Notifications()
	if notes == nil {
		notes = []bledev.Notification{}
	}
	writeJSON(w, http.StatusOK, struct {
		Status        string                `json:"status"`
		Notifications []bledev.Notification `json:"notifications"`
	}{"success", notes})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, session.FromContext(r.Context()).Snapshot())
}

type taskResponse struct {
	Status string     `json:"status"`
	Task   tasks.Task `json:"task"`
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.queue.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Status: "success", Task: task})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.queue.Cancel(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("task_id", task.ID).Msg("task canceled")
	writeJSON(w, http.StatusOK, taskResponse{Status: "success", Task: task})
}
