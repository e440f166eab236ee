package api

import "time"

// IssueCertificateResponse is returned from POST
// /org/{orgMRN}/{entityType}/certificates. The private key is never stored
// and cannot be retrieved again.
type IssueCertificateResponse struct {
	ID          uint64    `json:"id"`
	Serial      string    `json:"serial"`
	Certificate string    `json:"certificate"`
	PublicKey   string    `json:"public_key"`
	PrivateKey  string    `json:"private_key"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
}

// RevokeCertificateRequest is the JSON body for POST
// /certificates/{certID}/revoke.
type RevokeCertificateRequest struct {
	RevocationReason string     `json:"revocation_reason"`
	RevokedAt        *time.Time `json:"revoked_at"`
}

// RevokeCertificateResponse is returned from POST
// /certificates/{certID}/revoke.
type RevokeCertificateResponse struct {
	ID               uint64    `json:"id"`
	RevocationReason string    `json:"revocation_reason"`
	RevokedAt        time.Time `json:"revoked_at"`
}

// WhoAmIResponse describes the authenticated caller.
type WhoAmIResponse struct {
	Username           string            `json:"username"`
	UID                string            `json:"uid"`
	CommonName         string            `json:"common_name"`
	Organization       string            `json:"organization"`
	OrganizationalUnit string            `json:"organizational_unit,omitempty"`
	Country            string            `json:"country,omitempty"`
	Email              string            `json:"email,omitempty"`
	DN                 string            `json:"dn"`
	Serial             string            `json:"serial"`
	Roles              []string          `json:"roles"`
	Attributes         map[string]string `json:"attributes,omitempty"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}
