package clinic

// Match reports whether a satisfies the filter. Stores that cannot push a
// filter into a query use these directly.
func (f AppointmentFilter) Match(a Appointment) bool {
	if f.DoctorID != "" && a.DoctorID != f.DoctorID {
		return false
	}
	if f.Date != nil && a.Date != *f.Date {
		return false
	}
	if f.PatientEmail != "" && a.PatientEmail != f.PatientEmail {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, a.Status) {
		return false
	}
	if f.DeadlineBefore != nil && (a.PaymentDeadline == nil || !a.PaymentDeadline.Before(*f.DeadlineBefore)) {
		return false
	}
	return true
}

func (f WaitlistFilter) Match(e WaitlistEntry) bool {
	if f.DoctorID != "" && e.DoctorID != f.DoctorID {
		return false
	}
	if f.Date != nil && e.PreferredDate != *f.Date {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.PatientEmail != "" && e.PatientEmail != f.PatientEmail {
		return false
	}
	return true
}

func (f MemoFilter) Match(m ConsultationMemo) bool {
	if f.DoctorID != "" && m.DoctorID != f.DoctorID {
		return false
	}
	if f.IssueDate != nil && m.IssueDate != *f.IssueDate {
		return false
	}
	if f.AppointmentID != "" && m.AppointmentID != f.AppointmentID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if s == m.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsStatus(list []AppointmentStatus, s AppointmentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
