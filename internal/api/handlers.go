package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gymbook/session-booking/internal/booking"
)

func createCapacityHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := GetCaller(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_caller", "no authenticated caller")
			return
		}

		var req CreateCapacityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		trainerID, err := uuid.Parse(req.TrainerID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_trainer_id", "trainer_id must be a valid UUID")
			return
		}

		capacity := booking.Capacity{
			Kind:        booking.CapacityKind(req.Kind),
			TrainerID:   trainerID,
			Name:        req.Name,
			Description: req.Description,
			Day:         req.Day,
			StartTime:   req.StartTime,
			EndTime:     req.EndTime,
			TotalSlots:  req.TotalSlots,
			ImageURL:    req.ImageURL,
		}

		created, err := svc.CreateCapacity(r.Context(), caller, capacity)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toCapacityResponse(created))
	}
}

func getCapacityHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "id")
		if !ok {
			return
		}

		capacity, err := svc.GetCapacity(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toCapacityResponse(capacity))
	}
}

func listAvailableCapacitiesHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		trainerID, ok := parseIDParam(w, r, "trainerID")
		if !ok {
			return
		}

		caps, err := svc.ListAvailableCapacities(r.Context(), trainerID)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		resp := make([]CapacityResponse, 0, len(caps))
		for i := range caps {
			resp = append(resp, toCapacityResponse(&caps[i]))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func setApprovalHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := GetCaller(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_caller", "no authenticated caller")
			return
		}

		id, ok := parseIDParam(w, r, "id")
		if !ok {
			return
		}

		var req SetApprovalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		capacity, err := svc.SetApproval(r.Context(), caller, id, booking.ApprovalStatus(req.Approval))
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toCapacityResponse(capacity))
	}
}

func createRequestHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := GetCaller(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_caller", "no authenticated caller")
			return
		}

		var req CreateRequestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		trainerID, err := uuid.Parse(req.TrainerID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_trainer_id", "trainer_id must be a valid UUID")
			return
		}

		capacityID, err := uuid.Parse(req.CapacityID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_capacity_id", "capacity_id must be a valid UUID")
			return
		}

		created, err := svc.CreateRequest(r.Context(), caller, trainerID, capacityID)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toRequestResponse(created))
	}
}

func listPendingRequestsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := GetCaller(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_caller", "no authenticated caller")
			return
		}

		trainerID, ok := parseIDParam(w, r, "trainerID")
		if !ok {
			return
		}

		reqs, err := svc.ListPendingRequests(r.Context(), caller, trainerID)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toRequestResponses(reqs))
	}
}

func listClientRequestsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := GetCaller(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_caller", "no authenticated caller")
			return
		}

		clientID, ok := parseIDParam(w, r, "clientID")
		if !ok {
			return
		}

		reqs, err := svc.ListRequestsByClient(r.Context(), caller, clientID)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toRequestResponses(reqs))
	}
}

func bookHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := GetCaller(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_caller", "no authenticated caller")
			return
		}

		requestID, ok := parseIDParam(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.Book(r.Context(), caller, requestID)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func rejectRequestHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := GetCaller(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_caller", "no authenticated caller")
			return
		}

		requestID, ok := parseIDParam(w, r, "id")
		if !ok {
			return
		}

		req, err := svc.Reject(r.Context(), caller, requestID)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toRequestResponse(req))
	}
}

func cancelAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := GetCaller(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_caller", "no authenticated caller")
			return
		}

		id, ok := parseIDParam(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.CancelAppointment(r.Context(), caller, id)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc *booking.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := GetCaller(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_caller", "no authenticated caller")
			return
		}

		limit := queryInt(r, "limit", 20)
		offset := queryInt(r, "offset", 0)

		var (
			appts []booking.Appointment
			err   error
		)

		switch {
		case r.URL.Query().Get("client_id") != "":
			clientID, parseErr := uuid.Parse(r.URL.Query().Get("client_id"))
			if parseErr != nil {
				writeError(w, http.StatusBadRequest, "invalid_client_id", "client_id must be a valid UUID")
				return
			}
			appts, err = svc.ListAppointmentsByClient(r.Context(), caller, clientID, limit, offset)
		case r.URL.Query().Get("trainer_id") != "":
			trainerID, parseErr := uuid.Parse(r.URL.Query().Get("trainer_id"))
			if parseErr != nil {
				writeError(w, http.StatusBadRequest, "invalid_trainer_id", "trainer_id must be a valid UUID")
				return
			}
			appts, err = svc.ListAppointmentsByTrainer(r.Context(), caller, trainerID, limit, offset)
		default:
			writeError(w, http.StatusBadRequest, "missing_filter", "client_id or trainer_id query parameter required")
			return
		}

		if err != nil {
			handleServiceError(w, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(appts))
		for i := range appts {
			resp = append(resp, toAppointmentResponse(&appts[i]))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func toRequestResponses(reqs []booking.Request) []RequestResponse {
	resp := make([]RequestResponse, 0, len(reqs))
	for i := range reqs {
		resp = append(resp, toRequestResponse(&reqs[i]))
	}
	return resp
}

func parseIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, booking.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "unauthorized", err.Error())
	case errors.Is(err, booking.ErrCapacityNotFound):
		writeError(w, http.StatusNotFound, "capacity_not_found", err.Error())
	case errors.Is(err, booking.ErrRequestNotFound):
		writeError(w, http.StatusNotFound, "request_not_found", err.Error())
	case errors.Is(err, booking.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, booking.ErrCapacityFull):
		writeError(w, http.StatusConflict, "capacity_full", err.Error())
	case errors.Is(err, booking.ErrSlotConflict):
		writeError(w, http.StatusConflict, "slot_conflict", err.Error())
	case errors.Is(err, booking.ErrCapacityBusy):
		writeError(w, http.StatusConflict, "capacity_being_booked", "capacity is currently being booked, please retry shortly")
	case errors.Is(err, booking.ErrRequestClosed):
		writeError(w, http.StatusConflict, "request_closed", err.Error())
	case errors.Is(err, booking.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, booking.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
