package consultation

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nimbus-health/telemed-platform/internal/appointments"
	"github.com/nimbus-health/telemed-platform/internal/triage"
)

func newTestRouter(t *testing.T) (*chi.Mux, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	h := NewHandler(env.orch, nil)

	r := chi.NewRouter()
	r.Post("/appointments", h.Book)
	r.Get("/appointments/{appointmentID}", h.Get)
	r.Post("/appointments/{appointmentID}/specialty", h.SetSpecialty)
	r.Post("/appointments/{appointmentID}/cancel", h.Cancel)
	r.Post("/appointments/{appointmentID}/payment/retry", h.RetryPayment)
	r.Post("/appointments/{appointmentID}/start", h.Start)
	r.Post("/appointments/{appointmentID}/complete", h.Complete)
	return r, env
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandlerBook(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/appointments", validBooking())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var result BookResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Appointment.State != appointments.StatePaymentPending {
		t.Fatalf("state = %s, want payment_pending", result.Appointment.State)
	}
	if result.CheckoutURL == "" {
		t.Fatal("expected a checkout URL")
	}
}

func TestHandlerBookRejectsBadRequests(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/appointments", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: status = %d, want 400", rec.Code)
	}

	invalid := validBooking()
	invalid.DoctorID = ""
	if rec := doJSON(t, r, http.MethodPost, "/appointments", invalid); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing doctor: status = %d, want 400", rec.Code)
	}
}

func TestHandlerGetReturnsHistory(t *testing.T) {
	r, env := newTestRouter(t)
	result := env.mustBook(t)

	rec := doJSON(t, r, http.MethodGet, "/appointments/"+result.Appointment.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var payload struct {
		Appointment *appointments.Appointment `json:"appointment"`
		History     []json.RawMessage         `json:"history"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Appointment.ID != result.Appointment.ID {
		t.Fatalf("appointment id = %s, want %s", payload.Appointment.ID, result.Appointment.ID)
	}
	if len(payload.History) == 0 {
		t.Fatal("expected lifecycle history")
	}
}

func TestHandlerGetNotFound(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/appointments/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandlerSetSpecialty(t *testing.T) {
	r, env := newTestRouter(t)
	env.advisor.err = triage.ErrAdvisorUnavailable
	result := env.mustBook(t)
	id := result.Appointment.ID
	if result.Appointment.Specialty != "" {
		t.Fatalf("specialty = %q, want it unset when the advisor is down", result.Appointment.Specialty)
	}

	rec := doJSON(t, r, http.MethodPost, "/appointments/"+id+"/specialty",
		map[string]string{"specialty": "Pulmonology"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var appt appointments.Appointment
	if err := json.Unmarshal(rec.Body.Bytes(), &appt); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if appt.Specialty != string(triage.SpecialtyPulmonology) {
		t.Fatalf("specialty = %s, want pulmonology", appt.Specialty)
	}

	// Already selected: conflict.
	rec = doJSON(t, r, http.MethodPost, "/appointments/"+id+"/specialty",
		map[string]string{"specialty": "ENT"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("repeat selection status = %d, want 409", rec.Code)
	}

	// Outside the closed set: bad request.
	rec = doJSON(t, r, http.MethodPost, "/appointments/"+id+"/specialty",
		map[string]string{"specialty": "astrology"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown specialty status = %d, want 400", rec.Code)
	}
}

func TestHandlerCancel(t *testing.T) {
	r, env := newTestRouter(t)
	result := env.mustBook(t)

	rec := doJSON(t, r, http.MethodPost, "/appointments/"+result.Appointment.ID+"/cancel",
		map[string]string{"reason": "patient changed plans"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	appt, err := env.repo.GetByID(context.Background(), result.Appointment.ID)
	if err != nil {
		t.Fatalf("get appointment: %v", err)
	}
	if appt.State != appointments.StateCancelled {
		t.Fatalf("state = %s, want cancelled", appt.State)
	}
	if appt.CancelReason != "patient changed plans" {
		t.Fatalf("cancel reason = %q", appt.CancelReason)
	}
}

func TestHandlerCancelCompletedConflicts(t *testing.T) {
	r, env := newTestRouter(t)
	result := env.mustBook(t)
	id := result.Appointment.ID
	env.confirmPayment(t, id)
	if err := env.orch.StartConsultation(context.Background(), id); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := env.orch.CompleteConsultation(context.Background(), id); err != nil {
		t.Fatalf("complete: %v", err)
	}

	rec := doJSON(t, r, http.MethodPost, "/appointments/"+id+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestHandlerRetryPayment(t *testing.T) {
	r, env := newTestRouter(t)
	result := env.mustBook(t)
	id := result.Appointment.ID

	// Not yet failed: conflict.
	rec := doJSON(t, r, http.MethodPost, "/appointments/"+id+"/payment/retry", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}

	session, err := env.payments.GetByAppointment(context.Background(), id)
	if err != nil {
		t.Fatalf("lookup session: %v", err)
	}
	if err := env.orch.HandlePaymentResult(context.Background(), session.ExternalRef, "expired", 0); err != nil {
		t.Fatalf("payment result: %v", err)
	}

	rec = doJSON(t, r, http.MethodPost, "/appointments/"+id+"/payment/retry",
		map[string]string{"payer_contact": "pat@example.com"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var retried BookResult
	if err := json.Unmarshal(rec.Body.Bytes(), &retried); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if retried.CheckoutURL == "" {
		t.Fatal("expected a fresh checkout URL")
	}
}

func TestHandlerStartAndComplete(t *testing.T) {
	r, env := newTestRouter(t)
	result := env.mustBook(t)
	id := result.Appointment.ID
	env.confirmPayment(t, id)

	rec := doJSON(t, r, http.MethodPost, "/appointments/"+id+"/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, r, http.MethodPost, "/appointments/"+id+"/complete", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	appt, err := env.repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get appointment: %v", err)
	}
	if appt.State != appointments.StateCompleted {
		t.Fatalf("state = %s, want completed", appt.State)
	}
}

func TestHandlerStartBeforeRoomConflicts(t *testing.T) {
	r, env := newTestRouter(t)
	result := env.mustBook(t)

	rec := doJSON(t, r, http.MethodPost, "/appointments/"+result.Appointment.ID+"/start", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestHandlerAdminSweep(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.orch, nil)
	r := chi.NewRouter()
	r.Post("/admin/sweep", h.Sweep)
	r.Post("/admin/appointments/{appointmentID}/provision", h.RetryProvision)

	result := env.mustBook(t)
	env.payments.stale = []string{result.Appointment.ID}

	rec := doJSON(t, r, http.MethodPost, "/admin/sweep", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	appt, err := env.repo.GetByID(context.Background(), result.Appointment.ID)
	if err != nil {
		t.Fatalf("get appointment: %v", err)
	}
	if appt.State != appointments.StatePaymentFailed {
		t.Fatalf("state = %s, want payment_failed", appt.State)
	}
}

func TestHandlerAdminProvisionRequeue(t *testing.T) {
	env := newTestEnv(t)
	queue := NewMemoryQueue(4)
	env.orch.queue = queue
	h := NewHandler(env.orch, nil)
	r := chi.NewRouter()
	r.Post("/admin/appointments/{appointmentID}/provision", h.RetryProvision)

	rec := doJSON(t, r, http.MethodPost, "/admin/appointments/appt-1/provision", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	jobs, err := queue.Receive(ctx, 1, 1)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	if jobs[0].Job.AppointmentID != "appt-1" {
		t.Fatalf("appointment id = %s, want appt-1", jobs[0].Job.AppointmentID)
	}
}
