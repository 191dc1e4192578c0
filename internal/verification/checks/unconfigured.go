package checks

import "context"

// Unconfigured stands in for providers whose credentials are missing. Every
// call fails with ErrorNotConfigured so verification stops in checking rather
// than approving on missing evidence.
type Unconfigured struct{}

// UnconfiguredSet returns a set where every check is unconfigured.
func UnconfiguredSet() Set {
	u := Unconfigured{}
	return Set{NationalID: u, CriminalRecord: u, Phone: u}
}

func (Unconfigured) Validate(context.Context, NationalIDRequest) (NationalIDResult, error) {
	return NationalIDResult{}, NewError(ErrorNotConfigured, CheckNationalID, "national ID provider is not configured", nil)
}

func (Unconfigured) Lookup(context.Context, CriminalRecordRequest) (CriminalRecordResult, error) {
	return CriminalRecordResult{}, NewError(ErrorNotConfigured, CheckCriminalRecord, "criminal record provider is not configured", nil)
}

func (Unconfigured) Verify(context.Context, PhoneRequest) (PhoneResult, error) {
	return PhoneResult{}, NewError(ErrorNotConfigured, CheckPhone, "phone verification provider is not configured", nil)
}
