package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"mailsched/internal/admission"
	"mailsched/internal/domain"
	logx "mailsched/pkg/logx"
)

const maxListLimit = 1000

// GET /health
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339Nano),
	})
}

type senderRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	HourlyQuota int    `json:"hourlyQuota"`
}

// POST /api/senders
// 201: sender
// 400: invalid input
// 409: email already registered
func (s *Server) createSender(w http.ResponseWriter, r *http.Request) {
	var req senderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	sender, err := s.d.Records.CreateSender(r.Context(), domain.Sender{Name: req.Name, Email: req.Email, HourlyQuota: req.HourlyQuota})
	if err != nil {
		switch {
		case domain.IsValidation(err):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrConflict):
			writeError(w, http.StatusConflict, "Email already exists")
		default:
			s.internalError(w, "create sender", err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, sender)
}

// GET /api/senders
func (s *Server) listSenders(w http.ResponseWriter, r *http.Request) {
	senders, err := s.d.Records.ListSenders(r.Context())
	if err != nil {
		s.internalError(w, "list senders", err)
		return
	}
	if senders == nil {
		senders = []domain.Sender{}
	}
	writeJSON(w, http.StatusOK, senders)
}

// recipientList accepts either a JSON array of addresses or a single string.
type recipientList []string

func (l *recipientList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = recipientList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("recipients must be a string or an array of strings")
	}
	*l = many
	return nil
}

type scheduleRequest struct {
	SenderID   string        `json:"senderId"`
	Recipients recipientList `json:"recipients"`
	Subject    string        `json:"subject"`
	Body       string        `json:"body"`
	SendAt     string        `json:"sendAt,omitempty"`
	// Delay is the minimum spacing between recipients, in seconds.
	Delay       float64 `json:"delay,omitempty"`
	HourlyLimit int     `json:"hourlyLimit,omitempty"`
}

type scheduleResponse struct {
	Message string                `json:"message"`
	Jobs    []admission.Scheduled `json:"jobs"`
}

// localLayouts are datetime-local input values, which carry no zone.
var localLayouts = []string{"2006-01-02T15:04", "2006-01-02T15:04:05"}

// parseSendAt accepts RFC3339, or a zone-less local time read in the
// server's zone.
func parseSendAt(raw string) (time.Time, error) {
	at, err := time.Parse(time.RFC3339, raw)
	if err == nil {
		return at, nil
	}
	for _, layout := range localLayouts {
		if t, lerr := time.ParseInLocation(layout, raw, time.Local); lerr == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

// POST /api/schedule
// 201: { "message": "Scheduled N emails", "jobs": [...] }
// 400: no recipients / invalid input
// 404: sender not found
func (s *Server) schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	in := admission.Request{
		SenderID:    strings.TrimSpace(req.SenderID),
		Recipients:  req.Recipients,
		Subject:     req.Subject,
		Body:        req.Body,
		HourlyLimit: req.HourlyLimit,
	}
	if raw := strings.TrimSpace(req.SendAt); raw != "" {
		at, err := parseSendAt(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid sendAt, expected RFC3339 or YYYY-MM-DDTHH:mm")
			return
		}
		in.SendAt = &at
	}
	if req.Delay < 0 || math.IsNaN(req.Delay) || req.Delay > math.MaxInt64/float64(time.Second) {
		writeError(w, http.StatusBadRequest, "delay must be a non-negative number of seconds")
		return
	}
	in.PerPairDelay = time.Duration(req.Delay * float64(time.Second))

	jobs, err := s.d.Scheduler.ScheduleCampaign(r.Context(), in)
	if err != nil {
		var ve *domain.ValidationError
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "Sender not found")
		case errors.As(err, &ve) && ve.Field == "recipients":
			writeError(w, http.StatusBadRequest, "No recipients provided")
		case errors.As(err, &ve):
			writeError(w, http.StatusBadRequest, ve.Error())
		default:
			s.internalError(w, "schedule", err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, scheduleResponse{
		Message: fmt.Sprintf("Scheduled %d emails", len(jobs)),
		Jobs:    jobs,
	})
}

// GET /api/scheduled?status=&senderEmail=&limit=
func (s *Server) listScheduled(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f domain.Filter
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		st, err := domain.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = st
	}
	f.SenderEmail = strings.TrimSpace(q.Get("senderEmail"))
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		f.Limit = n
	}

	recs, err := s.d.Records.ListMessages(r.Context(), f)
	if err != nil {
		s.internalError(w, "list scheduled", err)
		return
	}
	if recs == nil {
		recs = []domain.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// GET /api/scheduled/{id}
func (s *Server) getScheduled(w http.ResponseWriter, r *http.Request) {
	rec, err := s.d.Records.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Scheduled email not found")
		return
	}
	if err != nil {
		s.internalError(w, "get scheduled", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GET /api/dispatch
func (s *Server) dispatchStatus(w http.ResponseWriter, r *http.Request) {
	if s.d.Dispatch == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.d.Dispatch.Snapshot(r.Context()))
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op+" failed", logx.Err(err))
	writeError(w, http.StatusInternalServerError, "Internal Server Error")
}
