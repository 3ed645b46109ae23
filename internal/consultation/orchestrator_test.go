package consultation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nimbus-health/telemed-platform/internal/appointments"
	"github.com/nimbus-health/telemed-platform/internal/payments"
	"github.com/nimbus-health/telemed-platform/internal/rooms"
	"github.com/nimbus-health/telemed-platform/internal/triage"
)

type fakePayments struct {
	mu        sync.Mutex
	byAppt    map[string]*payments.PaymentSession
	byRef     map[string]*payments.PaymentSession
	counter   int
	createErr error
	refundErr error
	refunds   []string
	cancels   []string
	stale     []string
}

func newFakePayments() *fakePayments {
	return &fakePayments{
		byAppt: make(map[string]*payments.PaymentSession),
		byRef:  make(map[string]*payments.PaymentSession),
	}
}

func (f *fakePayments) CreateSession(_ context.Context, appointmentID, amount, payerContact string) (*payments.PaymentSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.counter++
	session := &payments.PaymentSession{
		SessionID:     fmt.Sprintf("ps-%d", f.counter),
		AppointmentID: appointmentID,
		AmountMinor:   5000,
		Currency:      "USD",
		Status:        payments.StatusPending,
		ExternalRef:   fmt.Sprintf("cs_test_%d", f.counter),
		CheckoutURL:   fmt.Sprintf("https://checkout.payments.example.com/pay/cs_test_%d", f.counter),
		PayerContact:  payerContact,
		ExpiresAt:     time.Now().Add(30 * time.Minute),
	}
	f.byAppt[appointmentID] = session
	f.byRef[session.ExternalRef] = session
	return clone(session), nil
}

func (f *fakePayments) Reconcile(_ context.Context, externalRef string, status payments.SessionStatus) (*payments.ReconcileResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.byRef[externalRef]
	if !ok {
		return nil, payments.ErrSessionNotFound
	}
	applied := false
	if session.Status == payments.StatusPending {
		session.Status = status
		applied = true
	}
	return &payments.ReconcileResult{Session: clone(session), Applied: applied}, nil
}

func (f *fakePayments) CancelSession(_ context.Context, appointmentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, appointmentID)
	if session, ok := f.byAppt[appointmentID]; ok && session.Status == payments.StatusPending {
		session.Status = payments.StatusCancelled
	}
	return nil
}

func (f *fakePayments) Refund(_ context.Context, appointmentID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return f.refundErr
	}
	f.refunds = append(f.refunds, appointmentID)
	return nil
}

func (f *fakePayments) ExpireStale(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.stale
	f.stale = nil
	return out, nil
}

func (f *fakePayments) GetByAppointment(_ context.Context, appointmentID string) (*payments.PaymentSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.byAppt[appointmentID]
	if !ok {
		return nil, payments.ErrSessionNotFound
	}
	return clone(session), nil
}

func clone(s *payments.PaymentSession) *payments.PaymentSession {
	cp := *s
	return &cp
}

type stubAdvisor struct {
	result *triage.Result
	err    error
	calls  int
}

func (s *stubAdvisor) SuggestSpecialty(_ context.Context, _ string) (*triage.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubRooms struct {
	mu         sync.Mutex
	attempts   int
	provisions int
	releases   []string
	err        error
	failFirst  int
	expiresAt  time.Time
}

func (s *stubRooms) Provision(_ context.Context, appt *appointments.Appointment) (*appointments.RoomRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.err != nil {
		return nil, s.err
	}
	if s.attempts <= s.failFirst {
		return nil, fmt.Errorf("%w: provider returned 503", rooms.ErrProvisioningFailed)
	}
	s.provisions++
	expires := s.expiresAt
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	return &appointments.RoomRef{
		RoomID:    "consult-" + appt.ID,
		URL:       "https://video.example.com/consult-" + appt.ID,
		ExpiresAt: expires,
	}, nil
}

func (s *stubRooms) Release(_ context.Context, appt *appointments.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases = append(s.releases, appt.ID)
	return nil
}

type stubNotifier struct {
	mu            sync.Mutex
	roomReady     []string
	paymentFailed []string
	cancelled     []string
	refunded      map[string]bool
}

func newStubNotifier() *stubNotifier {
	return &stubNotifier{refunded: make(map[string]bool)}
}

func (s *stubNotifier) NotifyRoomReady(_ context.Context, appt *appointments.Appointment, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomReady = append(s.roomReady, appt.ID)
	return nil
}

func (s *stubNotifier) NotifyPaymentFailed(_ context.Context, appt *appointments.Appointment, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paymentFailed = append(s.paymentFailed, appt.ID)
	return nil
}

func (s *stubNotifier) NotifyCancelled(_ context.Context, appt *appointments.Appointment, _ string, refunded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, appt.ID)
	s.refunded[appt.ID] = refunded
	return nil
}

type testEnv struct {
	orch     *Orchestrator
	repo     *appointments.InMemoryRepository
	payments *fakePayments
	advisor  *stubAdvisor
	rooms    *stubRooms
	notifier *stubNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:     appointments.NewInMemoryRepository(),
		payments: newFakePayments(),
		advisor: &stubAdvisor{result: &triage.Result{
			Specialty:  triage.SpecialtyDermatology,
			Confidence: 0.9,
			Rationale:  "skin-related symptoms",
		}},
		rooms:    &stubRooms{},
		notifier: newStubNotifier(),
	}
	env.orch = NewOrchestrator(Config{
		Repo:        env.repo,
		Payments:    env.payments,
		Advisor:     env.advisor,
		Provisioner: env.rooms,
		Notifier:    env.notifier,
	})
	return env
}

func validBooking() BookRequest {
	start := time.Now().Add(24 * time.Hour)
	return BookRequest{
		PatientID:      "patient-1",
		DoctorID:       "doctor-1",
		ScheduledStart: start,
		ScheduledEnd:   start.Add(30 * time.Minute),
		Symptoms:       "itchy rash on both arms",
		PayerContact:   "pat@example.com",
	}
}

func (e *testEnv) mustBook(t *testing.T) *BookResult {
	t.Helper()
	result, err := e.orch.Book(context.Background(), validBooking())
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	return result
}

func (e *testEnv) state(t *testing.T, id string) appointments.State {
	t.Helper()
	appt, err := e.repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get appointment: %v", err)
	}
	return appt.State
}

func (e *testEnv) confirmPayment(t *testing.T, id string) {
	t.Helper()
	session, err := e.payments.GetByAppointment(context.Background(), id)
	if err != nil {
		t.Fatalf("lookup session: %v", err)
	}
	if err := e.orch.HandlePaymentResult(context.Background(), session.ExternalRef, payments.StatusCompleted, session.AmountMinor); err != nil {
		t.Fatalf("payment result: %v", err)
	}
}

func TestBookReachesPaymentPendingWithTriageSpecialty(t *testing.T) {
	env := newTestEnv(t)
	result := env.mustBook(t)

	if result.Appointment.State != appointments.StatePaymentPending {
		t.Fatalf("state = %s, want payment_pending", result.Appointment.State)
	}
	if result.Appointment.Specialty != string(triage.SpecialtyDermatology) {
		t.Fatalf("specialty = %s, want dermatology", result.Appointment.Specialty)
	}
	if result.CheckoutURL == "" {
		t.Fatal("expected a checkout URL")
	}
	if result.Triage == nil || result.Triage.Confidence != 0.9 {
		t.Fatalf("unexpected triage result: %+v", result.Triage)
	}
}

func TestBookContinuesWhenTriageIsUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.advisor.err = triage.ErrAdvisorUnavailable

	result := env.mustBook(t)

	if result.Appointment.State != appointments.StatePaymentPending {
		t.Fatalf("state = %s, want payment_pending", result.Appointment.State)
	}
	if result.Appointment.Specialty != "" {
		t.Fatalf("specialty = %q, want it unset pending manual selection", result.Appointment.Specialty)
	}
	if result.Triage != nil {
		t.Fatal("expected no triage suggestion")
	}
}

func TestBookHonorsManualSpecialty(t *testing.T) {
	env := newTestEnv(t)

	req := validBooking()
	req.Specialty = "cardiology"
	result, err := env.orch.Book(context.Background(), req)
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if result.Appointment.Specialty != string(triage.SpecialtyCardiology) {
		t.Fatalf("specialty = %s, want cardiology", result.Appointment.Specialty)
	}
	if result.Triage != nil {
		t.Fatal("manual selection should skip the advisor")
	}

	req = validBooking()
	req.Specialty = "podiatry"
	if _, err := env.orch.Book(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("unknown specialty: got %v, want ErrInvalidRequest", err)
	}
}

func TestSetSpecialtyFillsUntriagedBooking(t *testing.T) {
	env := newTestEnv(t)
	env.advisor.err = triage.ErrAdvisorUnavailable
	result := env.mustBook(t)
	id := result.Appointment.ID

	appt, err := env.orch.SetSpecialty(context.Background(), id, "Neurology")
	if err != nil {
		t.Fatalf("set specialty: %v", err)
	}
	if appt.Specialty != string(triage.SpecialtyNeurology) {
		t.Fatalf("specialty = %s, want neurology", appt.Specialty)
	}

	// Set exactly once: a second selection is rejected.
	if _, err := env.orch.SetSpecialty(context.Background(), id, "ENT"); !errors.Is(err, ErrStaleState) {
		t.Fatalf("second selection: got %v, want ErrStaleState", err)
	}

	if _, err := env.orch.SetSpecialty(context.Background(), id, "no such thing"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("unknown specialty: got %v, want ErrInvalidRequest", err)
	}
}

func TestSetSpecialtyRejectsTriagedBooking(t *testing.T) {
	env := newTestEnv(t)
	result := env.mustBook(t)

	if _, err := env.orch.SetSpecialty(context.Background(), result.Appointment.ID, "ENT"); !errors.Is(err, ErrStaleState) {
		t.Fatalf("got %v, want ErrStaleState when triage already set the specialty", err)
	}
}

func TestBookRejectsInvalidRequests(t *testing.T) {
	env := newTestEnv(t)

	req := validBooking()
	req.PatientID = ""
	if _, err := env.orch.Book(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("missing patient: got %v, want ErrInvalidRequest", err)
	}

	req = validBooking()
	req.ScheduledEnd = req.ScheduledStart
	if _, err := env.orch.Book(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("empty window: got %v, want ErrInvalidRequest", err)
	}
}

func TestPaymentConfirmationProvisionsRoom(t *testing.T) {
	env := newTestEnv(t)
	result := env.mustBook(t)

	env.confirmPayment(t, result.Appointment.ID)

	// No queue configured: provisioning runs inline.
	if got := env.state(t, result.Appointment.ID); got != appointments.StateRoomReady {
		t.Fatalf("state = %s, want room_ready", got)
	}
	if env.rooms.provisions != 1 {
		t.Fatalf("provisioner called %d times, want 1", env.rooms.provisions)
	}

	// The session reference clears once payment settles; the receipt still
	// resolves via the payments store.
	appt, err := env.repo.GetByID(context.Background(), result.Appointment.ID)
	if err != nil {
		t.Fatalf("get appointment: %v", err)
	}
	if appt.PaymentSessionID != "" {
		t.Fatalf("payment session id = %q, want it cleared after payment settles", appt.PaymentSessionID)
	}
	session, err := env.payments.GetByAppointment(context.Background(), appt.ID)
	if err != nil || session == nil {
		t.Fatalf("settled session lookup failed: %v", err)
	}
	if session.Status != payments.StatusCompleted {
		t.Fatalf("session status = %s, want completed", session.Status)
	}
	if len(env.notifier.roomReady) != 1 {
		t.Fatalf("room-ready notifications = %d, want 1", len(env.notifier.roomReady))
	}
}

func TestDuplicateWebhookDeliveryIsANoOp(t *testing.T) {
	env := newTestEnv(t)
	result := env.mustBook(t)

	env.confirmPayment(t, result.Appointment.ID)
	env.confirmPayment(t, result.Appointment.ID)
	env.confirmPayment(t, result.Appointment.ID)

	if env.rooms.provisions != 1 {
		t.Fatalf("provisioner called %d times, want 1", env.rooms.provisions)
	}
	if got := env.state(t, result.Appointment.ID); got != appointments.StateRoomReady {
		t.Fatalf("state = %s, want room_ready", got)
	}
}

func TestPaymentExpiryFailsTheBooking(t *testing.T) {
	env := newTestEnv(t)
	result := env.mustBook(t)

	session, err := env.payments.GetByAppointment(context.Background(), result.Appointment.ID)
	if err != nil {
		t.Fatalf("lookup session: %v", err)
	}
	if err := env.orch.HandlePaymentResult(context.Background(), session.ExternalRef, payments.StatusExpired, 0); err != nil {
		t.Fatalf("payment result: %v", err)
	}

	appt, err := env.repo.GetByID(context.Background(), result.Appointment.ID)
	if err != nil {
		t.Fatalf("get appointment: %v", err)
	}
	if appt.State != appointments.StatePaymentFailed {
		t.Fatalf("state = %s, want payment_failed", appt.State)
	}
	if appt.PaymentSessionID != "" {
		t.Fatal("expected the session reference to be cleared")
	}
	if len(env.notifier.paymentFailed) != 1 {
		t.Fatalf("payment-failed notifications = %d, want 1", len(env.notifier.paymentFailed))
	}
}

func TestLateConfirmationAfterCancelRefundsAndStaysCancelled(t *testing.T) {
	env := newTestEnv(t)
	result := env.mustBook(t)
	id := result.Appointment.ID

	if err := env.orch.Cancel(context.Background(), id, "patient changed plans"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(env.payments.cancels) != 1 {
		t.Fatalf("session cancels = %d, want 1", len(env.payments.cancels))
	}

	// The provider settled the charge before seeing the cancellation; force the
	// session back to pending so the webhook outcome still applies.
	env.payments.byRef["cs_test_1"].Status = payments.StatusPending
	if err := env.orch.HandlePaymentResult(context.Background(), "cs_test_1", payments.StatusCompleted, 5000); err != nil {
		t.Fatalf("payment result: %v", err)
	}

	if got := env.state(t, id); got != appointments.StateCancelled {
		t.Fatalf("state = %s, want cancelled", got)
	}
	if len(env.payments.refunds) != 1 {
		t.Fatalf("refunds = %d, want 1", len(env.payments.refunds))
	}
	if env.rooms.provisions != 0 {
		t.Fatal("cancelled appointment must not get a room")
	}
}

func TestRetryPaymentReopensFailedBooking(t *testing.T) {
	env := newTestEnv(t)
	result := env.mustBook(t)
	id := result.Appointment.ID

	session, _ := env.payments.GetByAppointment(context.Background(), id)
	if err := env.orch.HandlePaymentResult(context.Background(), session.ExternalRef, payments.StatusExpired, 0); err != nil {
		t.Fatalf("payment result: %v", err)
	}
	if got := env.state(t, id); got != appointments.StatePaymentFailed {
		t.Fatalf("state = %s, want payment_failed", got)
	}

	retry, err := env.orch.RetryPayment(context.Background(), id, "pat@example.com")
	if err != nil {
		t.Fatalf("retry payment: %v", err)
	}
	if retry.CheckoutURL == "" {
		t.Fatal("expected a fresh checkout URL")
	}
	if got := env.state(t, id); got != appointments.StatePaymentPending {
		t.Fatalf("state = %s, want payment_pending", got)
	}

	// Retrying a booking that is not payment_failed is rejected.
	if _, err := env.orch.RetryPayment(context.Background(), id, ""); !errors.Is(err, ErrStaleState) {
		t.Fatalf("got %v, want ErrStaleState", err)
	}
}

func TestConcurrentProvisioningConvergesOnOneRoom(t *testing.T) {
	env := newTestEnv(t)
	result := env.mustBook(t)
	id := result.Appointment.ID
	env.confirmPayment(t, id)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := env.orch.ProvisionRoom(context.Background(), id); err != nil {
				t.Errorf("provision: %v", err)
			}
		}()
	}
	wg.Wait()

	if env.rooms.provisions != 1 {
		t.Fatalf("provisioner called %d times, want 1", env.rooms.provisions)
	}
	if got := env.state(t, id); got != appointments.StateRoomReady {
		t.Fatalf("state = %s, want room_ready", got)
	}
}

func TestProvisionRoomRequiresPaid(t *testing.T) {
	env := newTestEnv(t)
	result := env.mustBook(t)

	err := env.orch.ProvisionRoom(context.Background(), result.Appointment.ID)
	if !errors.Is(err, ErrStaleState) {
		t.Fatalf("got %v, want ErrStaleState", err)
	}
	if env.rooms.provisions != 0 {
		t.Fatal("provisioner must not be called before payment")
	}
}

func TestStartAndCompleteConsultation(t *testing.T) {
	env := newTestEnv(t)
	result := env.mustBook(t)
	id := result.Appointment.ID
	env.confirmPayment(t, id)

	if err := env.orch.StartConsultation(context.Background(), id); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := env.state(t, id); got != appointments.StateInProgress {
		t.Fatalf("state = %s, want in_progress", got)
	}

	// A second join is a no-op.
	if err := env.orch.StartConsultation(context.Background(), id); err != nil {
		t.Fatalf("repeat start: %v", err)
	}

	if err := env.orch.CompleteConsultation(context.Background(), id); err != nil {
		t.Fatalf("complete: %v", err)
	}
	appt, _ := env.repo.GetByID(context.Background(), id)
	if appt.State != appointments.StateCompleted {
		t.Fatalf("state = %s, want completed", appt.State)
	}
	if appt.Room != nil {
		t.Fatal("expected the room to be released")
	}
	if len(env.rooms.releases) != 1 {
		t.Fatalf("releases = %d, want 1", len(env.rooms.releases))
	}

	if err := env.orch.CompleteConsultation(context.Background(), id); err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
}

func TestStartRequiresRoomReady(t *testing.T) {
	env := newTestEnv(t)
	result := env.mustBook(t)

	err := env.orch.StartConsultation(context.Background(), result.Appointment.ID)
	if !errors.Is(err, ErrStaleState) {
		t.Fatalf("got %v, want ErrStaleState", err)
	}
}

func TestCancelPaidBookingRefunds(t *testing.T) {
	env := newTestEnv(t)
	result := env.mustBook(t)
	id := result.Appointment.ID
	env.confirmPayment(t, id)

	if err := env.orch.Cancel(context.Background(), id, "doctor unavailable"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	appt, _ := env.repo.GetByID(context.Background(), id)
	if appt.State != appointments.StateCancelled {
		t.Fatalf("state = %s, want cancelled", appt.State)
	}
	if appt.CancelReason != "doctor unavailable" {
		t.Fatalf("cancel reason = %q", appt.CancelReason)
	}
	if appt.Room != nil || appt.PaymentSessionID != "" {
		t.Fatal("expected room and session references to be cleared")
	}
	if len(env.payments.refunds) != 1 {
		t.Fatalf("refunds = %d, want 1", len(env.payments.refunds))
	}
	if len(env.rooms.releases) != 1 {
		t.Fatalf("releases = %d, want 1", len(env.rooms.releases))
	}
	if !env.notifier.refunded[id] {
		t.Fatal("cancellation notice should mention the refund")
	}

	// Cancelling again is a no-op.
	if err := env.orch.Cancel(context.Background(), id, "again"); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if len(env.payments.refunds) != 1 {
		t.Fatal("repeat cancel must not refund twice")
	}
}

func TestCancelPendingBookingClosesSessionWithoutRefund(t *testing.T) {
	env := newTestEnv(t)
	result := env.mustBook(t)
	id := result.Appointment.ID

	if err := env.orch.Cancel(context.Background(), id, "changed my mind"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(env.payments.cancels) != 1 {
		t.Fatalf("session cancels = %d, want 1", len(env.payments.cancels))
	}
	if len(env.payments.refunds) != 0 {
		t.Fatal("pending bookings must not be refunded")
	}
	if env.notifier.refunded[id] {
		t.Fatal("cancellation notice must not mention a refund")
	}
}

func TestCancelCompletedConsultationIsRejected(t *testing.T) {
	env := newTestEnv(t)
	result := env.mustBook(t)
	id := result.Appointment.ID
	env.confirmPayment(t, id)
	if err := env.orch.StartConsultation(context.Background(), id); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := env.orch.CompleteConsultation(context.Background(), id); err != nil {
		t.Fatalf("complete: %v", err)
	}

	err := env.orch.Cancel(context.Background(), id, "too late")
	if !errors.Is(err, ErrStaleState) {
		t.Fatalf("got %v, want ErrStaleState", err)
	}
}

func TestCancelFailsWhenRefundFails(t *testing.T) {
	env := newTestEnv(t)
	result := env.mustBook(t)
	id := result.Appointment.ID
	env.confirmPayment(t, id)

	env.payments.refundErr = errors.New("provider down")
	if err := env.orch.Cancel(context.Background(), id, "doctor unavailable"); err == nil {
		t.Fatal("expected cancel to fail when the refund fails")
	}
	if got := env.state(t, id); got == appointments.StateCancelled {
		t.Fatal("appointment must not be cancelled without the refund")
	}
}

func TestPaymentConfirmationEnqueuesJobWhenQueueConfigured(t *testing.T) {
	env := newTestEnv(t)
	queue := NewMemoryQueue(4)
	env.orch.queue = queue
	result := env.mustBook(t)

	env.confirmPayment(t, result.Appointment.ID)

	if got := env.state(t, result.Appointment.ID); got != appointments.StatePaid {
		t.Fatalf("state = %s, want paid until the worker runs", got)
	}
	jobs, err := queue.Receive(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	if jobs[0].Job.AppointmentID != result.Appointment.ID || jobs[0].Job.Attempt != 0 {
		t.Fatalf("unexpected job: %+v", jobs[0].Job)
	}
}

func TestProvisioningFailureSurfacesAndStaysPaid(t *testing.T) {
	env := newTestEnv(t)
	queue := NewMemoryQueue(4)
	env.orch.queue = queue
	result := env.mustBook(t)
	id := result.Appointment.ID
	env.confirmPayment(t, id)

	env.rooms.err = fmt.Errorf("%w: provider 503", rooms.ErrProvisioningFailed)
	err := env.orch.ProvisionRoom(context.Background(), id)
	if !errors.Is(err, rooms.ErrProvisioningFailed) {
		t.Fatalf("got %v, want ErrProvisioningFailed", err)
	}
	if got := env.state(t, id); got != appointments.StatePaid {
		t.Fatalf("state = %s, want paid", got)
	}
}

func TestSweepExpiresPendingPayments(t *testing.T) {
	env := newTestEnv(t)
	result := env.mustBook(t)
	id := result.Appointment.ID

	env.payments.stale = []string{id}
	if err := env.orch.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := env.state(t, id); got != appointments.StatePaymentFailed {
		t.Fatalf("state = %s, want payment_failed", got)
	}
}

func TestSweepReclaimsUnjoinedRooms(t *testing.T) {
	env := newTestEnv(t)
	env.rooms.expiresAt = time.Now().Add(-time.Minute)
	result := env.mustBook(t)
	id := result.Appointment.ID
	env.confirmPayment(t, id)

	if err := env.orch.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	appt, _ := env.repo.GetByID(context.Background(), id)
	if appt.State != appointments.StateCancelled {
		t.Fatalf("state = %s, want cancelled", appt.State)
	}
	if appt.CancelReason == "" {
		t.Fatal("expected a cancel reason")
	}
	if len(env.payments.refunds) != 1 {
		t.Fatalf("refunds = %d, want 1", len(env.payments.refunds))
	}
}

func TestSweepCompletesOverdueConsultations(t *testing.T) {
	env := newTestEnv(t)
	env.rooms.expiresAt = time.Now().Add(50 * time.Millisecond)
	result := env.mustBook(t)
	id := result.Appointment.ID
	env.confirmPayment(t, id)
	if err := env.orch.StartConsultation(context.Background(), id); err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if err := env.orch.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := env.state(t, id); got != appointments.StateCompleted {
		t.Fatalf("state = %s, want completed", got)
	}
}

func TestGetAppointmentReturnsHistory(t *testing.T) {
	env := newTestEnv(t)
	result := env.mustBook(t)
	id := result.Appointment.ID
	env.confirmPayment(t, id)

	appt, history, err := env.orch.GetAppointment(context.Background(), id)
	if err != nil {
		t.Fatalf("get appointment: %v", err)
	}
	if appt.ID != id {
		t.Fatalf("appointment id = %s, want %s", appt.ID, id)
	}
	if len(history) < 3 {
		t.Fatalf("history entries = %d, want at least booked, requested, confirmed", len(history))
	}
	if history[0].Type != "appointment.booked" {
		t.Fatalf("first event = %s, want appointment.booked", history[0].Type)
	}
}

func TestGetAppointmentNotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.orch.GetAppointment(context.Background(), "missing"); !errors.Is(err, appointments.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
