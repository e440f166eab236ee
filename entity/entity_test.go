package entity_test

import (
	"testing"

	"github.com/maritimecloud/idreg/entity"
	"github.com/maritimecloud/idreg/pki"
	"github.com/maritimecloud/idreg/pki/pkitest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		in   string
		want entity.Type
	}{
		{"user", entity.TypeUser},
		{"users", entity.TypeUser},
		{"Devices", entity.TypeDevice},
		{"service", entity.TypeService},
		{" vessels ", entity.TypeVessel},
	}
	for _, tt := range tests {
		got, err := entity.ParseType(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := entity.ParseType("organization")
	assert.ErrorIs(t, err, entity.ErrUnknownType)
}

func TestUser_Profile(t *testing.T) {
	u := &entity.User{
		ID:              "42",
		MRN:             "urn:mrn:mcl:user:dma:jdoe",
		FirstName:       "Jane",
		LastName:        "Doe",
		Email:           "jane@dma.dk",
		Permissions:     "MCADMIN",
		OrganizationMRN: pkitest.OrgMRN,
	}
	p := u.CertificateProfile()
	assert.Equal(t, "user", p.OwnerType)
	assert.Equal(t, "Jane Doe", p.CommonName)
	assert.Equal(t, u.MRN, p.UID)
	assert.Equal(t, u.MRN, p.MRN)
	assert.Equal(t, "jane@dma.dk", p.Email)
	assert.Equal(t, pkitest.OrgMRN, p.OrganizationMRN)
	assert.Nil(t, p.Extra)
}

func TestNew(t *testing.T) {
	for _, typ := range []entity.Type{entity.TypeUser, entity.TypeDevice, entity.TypeService, entity.TypeVessel} {
		o, err := entity.New(typ, pkitest.OrgMRN)
		require.NoError(t, err)
		p := o.CertificateProfile()
		assert.Equal(t, string(typ), p.OwnerType)
		assert.Equal(t, pkitest.OrgMRN, p.OrganizationMRN)
		assert.Empty(t, o.Certificates())
	}
	_, err := entity.New("ship", pkitest.OrgMRN)
	assert.ErrorIs(t, err, entity.ErrUnknownType)
}

func TestIssue_Vessel(t *testing.T) {
	f := pkitest.NewFixture(t)
	v := &entity.Vessel{
		ID:   "7",
		MRN:  "urn:mrn:mcl:vessel:dma:poul-loewenoern",
		Name: "POUL LØWENØRN",
		Attributes: []entity.VesselAttribute{
			{Name: "imo-number", Value: "9250335"},
			{Name: "MMSI-Number", Value: "219014"},
			{Name: "callsign", Value: "OXKE2"},
			{Name: "flagstate", Value: "Denmark"},
			{Name: "port-of-register", Value: ""},
		},
		OrganizationMRN: pkitest.OrgMRN,
	}

	issued, err := f.Service.IssueForOwner(t.Context(), v)
	require.NoError(t, err)

	id, err := pki.NewVerifier(nil).DecodeIdentity(issued.Certificate)
	require.NoError(t, err)
	assert.Equal(t, "vessel", id.OrganizationalUnit)
	assert.Equal(t, "POUL LØWENØRN", id.CommonName)
	assert.Equal(t, pki.Attributes{
		pki.AttrMRN:        v.MRN,
		pki.AttrIMONumber:  "9250335",
		pki.AttrMMSINumber: "219014",
		pki.AttrCallSign:   "OXKE2",
		pki.AttrFlagState:  "Denmark",
	}, id.Attributes)

	certs := v.Certificates()
	require.Len(t, certs, 1)
	assert.Equal(t, issued.Record.ID, certs[0].ID)
	assert.Equal(t, "7", certs[0].OwnerID)
	assert.Equal(t, "vessel", certs[0].OwnerType)
}

func TestIssue_VesselUnknownAttribute(t *testing.T) {
	f := pkitest.NewFixture(t)
	v := &entity.Vessel{
		MRN:             "urn:mrn:mcl:vessel:dma:x",
		Name:            "X",
		Attributes:      []entity.VesselAttribute{{Name: "draught", Value: "7m"}},
		OrganizationMRN: pkitest.OrgMRN,
	}
	_, err := f.Service.IssueForOwner(t.Context(), v)
	assert.ErrorIs(t, err, pki.ErrValidation)
	assert.Empty(t, v.Certificates())
}

func TestIssue_DeviceWithoutMRN(t *testing.T) {
	f := pkitest.NewFixture(t)
	d := &entity.Device{Name: "AIS station", OrganizationMRN: pkitest.OrgMRN}
	_, err := f.Service.IssueForOwner(t.Context(), d)
	assert.ErrorIs(t, err, pki.ErrMissingIdentifier)
}
