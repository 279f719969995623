package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"callaudit/internal/domain"
	"callaudit/internal/integrations/pms"
)

// RecordReader is the slice of the PMS client that verification needs.
type RecordReader interface {
	GetPatientInformation(ctx context.Context, patientID string) (pms.Response, error)
	GetPatientAppointments(ctx context.Context, patientID string) (pms.Response, error)
}

// ConfirmedBooking is a claim the live system corroborated. The service
// layer persists these so later re-analysis of the same session can fall
// back on them without another round of PMS calls.
type ConfirmedBooking struct {
	RecordKind string // "appointment" or "patient"
	ID         domain.RecordID
	ChildName  string
	Slot       string
}

// VerifyFulfillment checks every booked claim in the report against the
// live practice-management system. The reader's own pacer keeps the calls
// strictly sequential. A nil reader means the tenant has no live record
// access; booked claims are then accepted on observation evidence alone
// and nothing is persisted as confirmed.
func VerifyFulfillment(ctx context.Context, report *domain.CallReport, intent *domain.CallerIntent, reader RecordReader) (domain.FulfillmentVerdict, []ConfirmedBooking) {
	verdict := domain.FulfillmentVerdict{
		SessionID:  report.SessionID,
		VerifiedAt: time.Now().UTC(),
	}

	var booked []domain.BookingResult
	for _, r := range report.BookingResults {
		if r.Booked {
			booked = append(booked, r)
		}
	}

	if len(booked) == 0 {
		verdict.Status = domain.VerdictNoClaims
		verdict.Summary = "no booked claims to verify"
		verdict.Children = unmatchedIntentChecks(intent, nil)
		return verdict, nil
	}

	if reader == nil {
		verdict.Status = domain.VerdictObservationVerified
		verdict.Summary = fmt.Sprintf("%d booked claim(s) accepted on observation evidence; tenant has no live record access", len(booked))
		for _, r := range booked {
			verdict.Children = append(verdict.Children, domain.ChildCheck{
				ChildName:               r.ChildName,
				PatientRecordStatus:     domain.CheckSkipped,
				AppointmentRecordStatus: domain.CheckSkipped,
			})
		}
		return verdict, nil
	}

	var confirmed []ConfirmedBooking
	pass, fail, skipped := 0, 0, 0

	for _, r := range booked {
		child := domain.ChildCheck{
			ChildName:               r.ChildName,
			PatientRecordStatus:     domain.CheckSkipped,
			AppointmentRecordStatus: domain.CheckSkipped,
		}

		if r.PatientID == "" {
			skipped++
		} else {
			check := domain.ClaimCheck{Kind: "patient", ID: domain.ClassifyRecordID(r.PatientID)}
			resp, err := reader.GetPatientInformation(ctx, r.PatientID)
			switch {
			case err != nil:
				// An upstream failure answers nothing; the claim stays
				// unchecked rather than counting against the agent.
				verdict.Errors = append(verdict.Errors, fmt.Sprintf("patient %s: %v", r.PatientID, err))
				skipped++
			case resp.Found():
				check.Exists = true
				if r.ChildName != "" {
					name := pms.RecordField(resp.Records[0], "firstName", "first_name", "name")
					if name != "" && !nameMatches(r.ChildName, name) {
						check.Mismatches = append(check.Mismatches,
							fmt.Sprintf("record name %q does not match claimed child %q", name, r.ChildName))
					}
				}
				child.PatientRecordStatus = domain.CheckPass
				pass++
				verdict.Claims = append(verdict.Claims, check)
				confirmed = append(confirmed, ConfirmedBooking{RecordKind: "patient", ID: check.ID, ChildName: r.ChildName})
			default:
				child.PatientRecordStatus = domain.CheckFail
				fail++
				verdict.Claims = append(verdict.Claims, check)
			}
		}

		switch {
		case r.AppointmentID == "":
			skipped++
		case r.PatientID == "":
			verdict.Errors = append(verdict.Errors,
				fmt.Sprintf("appointment %s: no patient id to look it up under", r.AppointmentID))
			skipped++
		default:
			check := domain.ClaimCheck{Kind: "appointment", ID: domain.ClassifyRecordID(r.AppointmentID)}
			resp, err := reader.GetPatientAppointments(ctx, r.PatientID)
			if err != nil {
				verdict.Errors = append(verdict.Errors, fmt.Sprintf("appointments for patient %s: %v", r.PatientID, err))
				skipped++
				break
			}
			rec, found := findAppointment(resp.Records, r.AppointmentID)
			if found {
				check.Exists = true
				if start := pms.RecordField(rec, "startTime", "start_time"); start != "" && !slotMatches(r.Slot, start) {
					check.Mismatches = append(check.Mismatches,
						fmt.Sprintf("record start %q does not match claimed slot %q", start, r.Slot))
				}
				child.AppointmentRecordStatus = domain.CheckPass
				pass++
				confirmed = append(confirmed, ConfirmedBooking{
					RecordKind: "appointment",
					ID:         check.ID,
					ChildName:  r.ChildName,
					Slot:       r.Slot,
				})
			} else {
				child.AppointmentRecordStatus = domain.CheckFail
				fail++
			}
			verdict.Claims = append(verdict.Claims, check)
		}

		verdict.Children = append(verdict.Children, child)
	}

	verdict.Children = append(verdict.Children, unmatchedIntentChecks(intent, verdict.Children)...)

	switch {
	case pass > 0 && fail == 0:
		verdict.Status = domain.VerdictVerified
	case fail > 0 && pass == 0:
		verdict.Status = domain.VerdictFailed
	case pass > 0 && fail > 0:
		verdict.Status = domain.VerdictPartial
	default:
		// Claims existed but nothing could be checked.
		verdict.Status = domain.VerdictPartial
	}
	verdict.Summary = fmt.Sprintf("checked %d booked claim(s): %d confirmed, %d missing, %d unchecked", len(booked), pass, fail, skipped)

	return verdict, confirmed
}

// unmatchedIntentChecks adds skipped rows for children the caller asked
// about that no evidence ever mentioned, so they stay visible in the
// verdict instead of silently vanishing.
func unmatchedIntentChecks(intent *domain.CallerIntent, existing []domain.ChildCheck) []domain.ChildCheck {
	if intent == nil {
		return nil
	}
	var out []domain.ChildCheck
	for _, want := range intent.Booking.ChildNames {
		covered := false
		for _, c := range existing {
			if nameMatches(want, c.ChildName) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, domain.ChildCheck{
				ChildName:               want,
				PatientRecordStatus:     domain.CheckSkipped,
				AppointmentRecordStatus: domain.CheckSkipped,
			})
		}
	}
	return out
}

func findAppointment(records []json.RawMessage, appointmentID string) (json.RawMessage, bool) {
	for _, rec := range records {
		got := pms.RecordField(rec, "appointmentGUID", "appointmentId", "appointment_id", "id")
		if got != "" && strings.EqualFold(got, appointmentID) {
			return rec, true
		}
	}
	return nil, false
}

// slotMatches compares a claimed slot with a record start time. When
// either side fails to parse there is nothing to compare, so no mismatch
// is reported.
func slotMatches(claimSlot, recordStart string) bool {
	a, okA := parseSlotTime(claimSlot)
	b, okB := parseSlotTime(recordStart)
	if !okA || !okB {
		return true
	}
	return a.Equal(b)
}
