package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"packaging-coordinator/internal/models"
)

type leaseRequest struct {
	PackagerID string `json:"packager_id"`
	Limit      int    `json:"limit"`
}

// leaseOp is one of the coordinator's holder-scoped primitives.
type leaseOp func(s *Server, r *http.Request, jobID, packagerID string) (*models.PackagingJob, error)

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	s.serveLease(w, r, func(s *Server, r *http.Request, jobID, pid string) (*models.PackagingJob, error) {
		job, err := s.leases.Claim(r.Context(), jobID, pid)
		if job != nil {
			s.dropHint(r.Context(), jobID)
		}
		return job, err
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.serveLease(w, r, func(s *Server, r *http.Request, jobID, pid string) (*models.PackagingJob, error) {
		return s.leases.Heartbeat(r.Context(), jobID, pid)
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.serveLease(w, r, func(s *Server, r *http.Request, jobID, pid string) (*models.PackagingJob, error) {
		job, err := s.leases.Release(r.Context(), jobID, pid)
		if job != nil {
			s.pushHint(r.Context(), jobID)
		}
		return job, err
	})
}

// serveLease answers 409 when the lease condition did not hold, so agents can tell
// "lost the race" from a fault.
func (s *Server) serveLease(w http.ResponseWriter, r *http.Request, op leaseOp) {
	var req leaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := op(s, r, chi.URLParam(r, "id"), req.PackagerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "lease condition not met"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleClaimNext claims the oldest available job. 204 means nothing was claimable.
func (s *Server) handleClaimNext(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.leases.ClaimNext(r.Context(), req.PackagerID, req.Limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.dropHint(r.Context(), job.ID)
	writeJSON(w, http.StatusOK, job)
}
