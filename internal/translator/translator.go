// Package translator converts internal entity snapshots to and from the
// external system's XML envelope representation.
package translator

import (
	"fmt"

	"github.com/tallybridge/tallysync/internal/events"
	"github.com/tallybridge/tallysync/internal/models"
)

// Payload is a translated request ready for a transport.
type Payload struct {
	Type      models.EntityType
	EntityID  string
	CompanyID string
	Body      []byte // XML envelope
}

// Result is the typed outcome parsed from a response envelope.
type Result struct {
	ExternalID string
	Created    int
	Altered    int
	Errors     int
	LineError  string
}

// Translator maps internal snapshots to external markup and back.
type Translator interface {
	// ToExternal builds a validated import envelope for a snapshot.
	ToExternal(snapshot *models.EntitySnapshot) (*Payload, error)

	// FromExternal parses an export envelope into a snapshot.
	FromExternal(entityType models.EntityType, companyID string, data []byte) (*models.EntitySnapshot, error)

	// ExportRequest builds the envelope that asks the external system for
	// the current state of one entity.
	ExportRequest(entityType models.EntityType, companyID, entityID string) (*Payload, error)

	// Validate checks a payload against the per-entity schema.
	Validate(payload *Payload) error

	// ParseResponse interprets a response envelope.
	ParseResponse(data []byte) (*Result, error)

	// Fingerprint computes the content hash used for mutation detection.
	Fingerprint(snapshot *models.EntitySnapshot) string
}

// requiredFields per entity type. Absence is a SchemaError, which is
// terminal: the source data must be corrected, not retried.
var requiredFields = map[models.EntityType][]string{
	models.EntityVoucher: {"date", "voucher_type", "party_name", "amount", "debit_ledger", "credit_ledger"},
	models.EntityItem:    {"name", "unit"},
	models.EntityParty:   {"name", "parent_group"},
}

// TallyTranslator implements Translator for the Tally XML dialect.
type TallyTranslator struct {
	logger *events.Logger
}

// New creates a Tally translator.
func New(logger *events.Logger) *TallyTranslator {
	return &TallyTranslator{
		logger: logger.WithField("component", "translator"),
	}
}

// ToExternal builds an import envelope for the snapshot.
func (t *TallyTranslator) ToExternal(snapshot *models.EntitySnapshot) (*Payload, error) {
	if err := checkRequired(snapshot); err != nil {
		return nil, err
	}

	body, err := buildImportEnvelope(snapshot)
	if err != nil {
		return nil, fmt.Errorf("build envelope: %w", err)
	}

	t.logger.WithFields(map[string]interface{}{
		"entity_type": snapshot.Type,
		"entity_id":   snapshot.ID,
		"size":        len(body),
	}).Debug("Built import envelope")

	return &Payload{
		Type:      snapshot.Type,
		EntityID:  snapshot.ID,
		CompanyID: snapshot.CompanyID,
		Body:      body,
	}, nil
}

// FromExternal parses an export envelope into a snapshot.
func (t *TallyTranslator) FromExternal(entityType models.EntityType, companyID string, data []byte) (*models.EntitySnapshot, error) {
	snapshot, err := parseExportEnvelope(entityType, companyID, data)
	if err != nil {
		return nil, err
	}

	if err := checkRequired(snapshot); err != nil {
		return nil, err
	}

	return snapshot, nil
}

// ExportRequest builds the fetch envelope for one entity.
func (t *TallyTranslator) ExportRequest(entityType models.EntityType, companyID, entityID string) (*Payload, error) {
	body, err := buildExportEnvelope(entityType, companyID, entityID)
	if err != nil {
		return nil, fmt.Errorf("build export request: %w", err)
	}

	return &Payload{
		Type:      entityType,
		EntityID:  entityID,
		CompanyID: companyID,
		Body:      body,
	}, nil
}

// Validate re-parses the payload body and re-checks the schema.
func (t *TallyTranslator) Validate(payload *Payload) error {
	snapshot, err := parseImportEnvelope(payload.Type, payload.CompanyID, payload.Body)
	if err != nil {
		return &models.SchemaError{Type: payload.Type, Reason: err.Error()}
	}
	return checkRequired(snapshot)
}

// ParseResponse interprets a response envelope. A LINEERROR or a non-zero
// ERRORS counter becomes an ExternalError.
func (t *TallyTranslator) ParseResponse(data []byte) (*Result, error) {
	return parseResponseEnvelope(data)
}

// checkRequired verifies the per-entity schema on a snapshot.
func checkRequired(snapshot *models.EntitySnapshot) error {
	fields, ok := requiredFields[snapshot.Type]
	if !ok {
		return &models.SchemaError{Type: snapshot.Type, Reason: "unsupported entity type"}
	}

	if snapshot.Deleted {
		// Deletions only need identity.
		return nil
	}

	for _, f := range fields {
		if snapshot.Fields[f] == "" {
			return &models.SchemaError{Type: snapshot.Type, Field: f, Reason: "required field missing"}
		}
	}
	return nil
}
