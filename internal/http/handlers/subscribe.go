package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"productlab/internal/domain"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 50 * time.Second
	// Events are hints; the view is re-read at least this often.
	wsRefreshInterval = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The socket only ever exposes the caller's own job.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SubscribeJob pushes the job view over a websocket every time the job
// changes and closes the socket once the job is terminal.
func (a *App) SubscribeJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.fail(w, r, domain.ErrUnauthorized)
		return
	}
	jobID := chi.URLParam(r, "id")
	job, err := a.loadJobForUser(r.Context(), jobID, userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Logger.Warn().Err(err).Str("job_id", jobID).Msg("api: websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go a.readPump(conn, cancel)

	var events <-chan domain.JobEvent
	if a.Events != nil && !job.Status.Terminal() {
		events, err = a.Events.Subscribe(ctx, jobID)
		if err != nil {
			a.Logger.Warn().Err(err).Str("job_id", jobID).Msg("api: job events unavailable, refreshing on timer")
		}
	}

	if !a.pushView(conn, job) || job.Status.Terminal() {
		closeSocket(conn)
		return
	}

	refresh := time.NewTicker(wsRefreshInterval)
	defer refresh.Stop()
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
		case <-refresh.C:
		}
		latest, err := a.Jobs.GetJob(ctx, jobID)
		if err != nil {
			a.Logger.Warn().Err(err).Str("job_id", jobID).Msg("api: reload job for subscriber failed")
			continue
		}
		if !a.pushView(conn, latest) {
			return
		}
		if latest.Status.Terminal() {
			closeSocket(conn)
			return
		}
	}
}

func (a *App) pushView(conn *websocket.Conn, job *domain.Job) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(newJobView(job)); err != nil {
		a.Logger.Debug().Err(err).Str("job_id", job.ID).Msg("api: websocket write failed")
		return false
	}
	return true
}

// readPump drains client frames so control messages are processed, and
// cancels the subscription when the client goes away.
func (a *App) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.Logger.Debug().Err(err).Msg("api: websocket closed")
			}
			return
		}
	}
}

func closeSocket(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
