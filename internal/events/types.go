package events

// Appointment lifecycle event types recorded in the audit log.
const (
	TypeAppointmentBooked    = "appointment.booked"
	TypeTriageSuggested      = "triage.suggested"
	TypeSpecialtySelected    = "specialty.selected"
	TypePaymentRequested     = "payment.requested"
	TypePaymentConfirmed     = "payment.confirmed"
	TypePaymentFailed        = "payment.failed"
	TypePaymentRefunded      = "payment.refunded"
	TypeRoomProvisioned      = "room.provisioned"
	TypeRoomReleased         = "room.released"
	TypeConsultationStarted  = "consultation.started"
	TypeConsultationEnded    = "consultation.ended"
	TypeAppointmentCancelled = "appointment.cancelled"
)
