package translator

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"

	"github.com/tallybridge/tallysync/internal/models"
)

// Tally envelope skeleton. The same outer shape carries import requests,
// export requests, exported data, and results.

type importEnvelope struct {
	XMLName xml.Name     `xml:"ENVELOPE"`
	Header  envHeader    `xml:"HEADER"`
	Body    importBody   `xml:"BODY"`
}

type envHeader struct {
	TallyRequest string `xml:"TALLYREQUEST"`
}

type importBody struct {
	ImportData importData `xml:"IMPORTDATA"`
}

type importData struct {
	RequestDesc requestDesc  `xml:"REQUESTDESC"`
	RequestData requestData  `xml:"REQUESTDATA"`
}

type requestDesc struct {
	ReportName string     `xml:"REPORTNAME"`
	Static     staticVars `xml:"STATICVARIABLES"`
}

type staticVars struct {
	CurrentCompany string `xml:"SVCURRENTCOMPANY"`
	EntityID       string `xml:"SVENTITYID,omitempty"`
}

type requestData struct {
	Messages []tallyMessage `xml:"TALLYMESSAGE"`
}

type tallyMessage struct {
	Voucher *voucherXML   `xml:"VOUCHER,omitempty"`
	Item    *stockItemXML `xml:"STOCKITEM,omitempty"`
	Ledger  *ledgerXML    `xml:"LEDGER,omitempty"`
}

type voucherXML struct {
	RemoteID string `xml:"REMOTEID,attr"`
	VchType  string `xml:"VCHTYPE,attr"`
	Action   string `xml:"ACTION,attr"`

	Date            string           `xml:"DATE"`
	VoucherTypeName string           `xml:"VOUCHERTYPENAME"`
	VoucherNumber   string           `xml:"VOUCHERNUMBER,omitempty"`
	PartyLedgerName string           `xml:"PARTYLEDGERNAME"`
	Narration       string           `xml:"NARRATION,omitempty"`
	Entries         []ledgerEntryXML `xml:"ALLLEDGERENTRIES.LIST"`
}

type ledgerEntryXML struct {
	LedgerName       string `xml:"LEDGERNAME"`
	IsDeemedPositive string `xml:"ISDEEMEDPOSITIVE"`
	Amount           string `xml:"AMOUNT"`
}

type stockItemXML struct {
	Name   string `xml:"NAME,attr"`
	Action string `xml:"ACTION,attr"`

	RemoteID       string `xml:"REMOTEID,omitempty"`
	Parent         string `xml:"PARENT,omitempty"`
	BaseUnits      string `xml:"BASEUNITS"`
	OpeningBalance string `xml:"OPENINGBALANCE,omitempty"`
	OpeningRate    string `xml:"OPENINGRATE,omitempty"`
}

type ledgerXML struct {
	Name   string `xml:"NAME,attr"`
	Action string `xml:"ACTION,attr"`

	RemoteID       string `xml:"REMOTEID,omitempty"`
	Parent         string `xml:"PARENT"`
	Address        string `xml:"ADDRESS,omitempty"`
	GSTIN          string `xml:"PARTYGSTIN,omitempty"`
	OpeningBalance string `xml:"OPENINGBALANCE,omitempty"`
}

type exportEnvelope struct {
	XMLName xml.Name   `xml:"ENVELOPE"`
	Header  envHeader  `xml:"HEADER"`
	Body    exportBody `xml:"BODY"`
}

type exportBody struct {
	ExportData struct {
		RequestDesc requestDesc `xml:"REQUESTDESC"`
	} `xml:"EXPORTDATA"`
}

type dataEnvelope struct {
	XMLName xml.Name `xml:"ENVELOPE"`
	Body    struct {
		Data struct {
			Messages []tallyMessage `xml:"TALLYMESSAGE"`
		} `xml:"DATA"`
	} `xml:"BODY"`
}

type responseEnvelope struct {
	XMLName xml.Name `xml:"ENVELOPE"`
	Header  struct {
		Status int `xml:"STATUS"`
	} `xml:"HEADER"`
	Body struct {
		Data struct {
			ImportResult *importResult `xml:"IMPORTRESULT"`
			LineError    string        `xml:"LINEERROR"`
		} `xml:"DATA"`
	} `xml:"BODY"`
}

type importResult struct {
	Created   int    `xml:"CREATED"`
	Altered   int    `xml:"ALTERED"`
	Deleted   int    `xml:"DELETED"`
	Errors    int    `xml:"ERRORS"`
	LastVchID string `xml:"LASTVCHID"`
}

var reportNames = map[models.EntityType]string{
	models.EntityVoucher: "Vouchers",
	models.EntityItem:    "Stock Items",
	models.EntityParty:   "Ledgers",
}

// buildImportEnvelope renders one snapshot as a Tally import request.
func buildImportEnvelope(snapshot *models.EntitySnapshot) ([]byte, error) {
	msg, err := snapshotToMessage(snapshot)
	if err != nil {
		return nil, err
	}

	env := importEnvelope{
		Header: envHeader{TallyRequest: "Import Data"},
		Body: importBody{
			ImportData: importData{
				RequestDesc: requestDesc{
					ReportName: reportNames[snapshot.Type],
					Static:     staticVars{CurrentCompany: snapshot.CompanyID},
				},
				RequestData: requestData{Messages: []tallyMessage{msg}},
			},
		},
	}

	return marshalEnvelope(env)
}

// buildExportEnvelope renders a fetch request for one entity.
func buildExportEnvelope(entityType models.EntityType, companyID, entityID string) ([]byte, error) {
	env := exportEnvelope{
		Header: envHeader{TallyRequest: "Export Data"},
	}
	env.Body.ExportData.RequestDesc = requestDesc{
		ReportName: reportNames[entityType],
		Static: staticVars{
			CurrentCompany: companyID,
			EntityID:       entityID,
		},
	}

	return marshalEnvelope(env)
}

func marshalEnvelope(env interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", " ")
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return buf.Bytes(), nil
}

func snapshotToMessage(snapshot *models.EntitySnapshot) (tallyMessage, error) {
	action := "Create"
	if snapshot.Fields["external_id"] != "" {
		action = "Alter"
	}
	if snapshot.Deleted {
		action = "Delete"
	}

	f := snapshot.Fields

	switch snapshot.Type {
	case models.EntityVoucher:
		v := &voucherXML{
			RemoteID:        snapshot.ID,
			VchType:         f["voucher_type"],
			Action:          action,
			Date:            f["date"],
			VoucherTypeName: f["voucher_type"],
			VoucherNumber:   f["number"],
			PartyLedgerName: f["party_name"],
			Narration:       f["narration"],
		}
		if !snapshot.Deleted {
			v.Entries = voucherEntries(f)
		}
		return tallyMessage{Voucher: v}, nil

	case models.EntityItem:
		return tallyMessage{Item: &stockItemXML{
			Name:           f["name"],
			Action:         action,
			RemoteID:       snapshot.ID,
			Parent:         f["category"],
			BaseUnits:      f["unit"],
			OpeningBalance: f["opening_balance"],
			OpeningRate:    f["opening_rate"],
		}}, nil

	case models.EntityParty:
		return tallyMessage{Ledger: &ledgerXML{
			Name:           f["name"],
			Action:         action,
			RemoteID:       snapshot.ID,
			Parent:         f["parent_group"],
			Address:        f["address"],
			GSTIN:          f["gstin"],
			OpeningBalance: f["opening_balance"],
		}}, nil
	}

	return tallyMessage{}, &models.SchemaError{Type: snapshot.Type, Reason: "unsupported entity type"}
}

// voucherEntries builds the double-entry ledger lines: debit, credit, and an
// optional tax line.
func voucherEntries(f map[string]string) []ledgerEntryXML {
	entries := []ledgerEntryXML{
		{
			LedgerName:       f["debit_ledger"],
			IsDeemedPositive: "Yes",
			Amount:           "-" + f["amount"],
		},
		{
			LedgerName:       f["credit_ledger"],
			IsDeemedPositive: "No",
			Amount:           f["amount"],
		},
	}

	if f["tax_ledger"] != "" && f["tax_amount"] != "" {
		entries = append(entries, ledgerEntryXML{
			LedgerName:       f["tax_ledger"],
			IsDeemedPositive: "No",
			Amount:           f["tax_amount"],
		})
	}

	return entries
}

// parseImportEnvelope reads one import request back into a snapshot.
func parseImportEnvelope(entityType models.EntityType, companyID string, data []byte) (*models.EntitySnapshot, error) {
	var env importEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}

	msgs := env.Body.ImportData.RequestData.Messages
	if len(msgs) == 0 {
		return nil, &models.SchemaError{Type: entityType, Reason: "envelope contains no message"}
	}

	return messageToSnapshot(entityType, companyID, msgs[0])
}

// parseExportEnvelope reads exported data into a snapshot.
func parseExportEnvelope(entityType models.EntityType, companyID string, data []byte) (*models.EntitySnapshot, error) {
	var env dataEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse export envelope: %w", err)
	}

	msgs := env.Body.Data.Messages
	if len(msgs) == 0 {
		return nil, &models.SchemaError{Type: entityType, Reason: "export contains no message"}
	}

	return messageToSnapshot(entityType, companyID, msgs[0])
}

func messageToSnapshot(entityType models.EntityType, companyID string, msg tallyMessage) (*models.EntitySnapshot, error) {
	snapshot := &models.EntitySnapshot{
		Type:      entityType,
		CompanyID: companyID,
		Fields:    map[string]string{},
	}

	switch entityType {
	case models.EntityVoucher:
		v := msg.Voucher
		if v == nil {
			return nil, &models.SchemaError{Type: entityType, Reason: "missing VOUCHER element"}
		}
		snapshot.ID = v.RemoteID
		snapshot.Deleted = v.Action == "Delete"
		snapshot.Fields["date"] = v.Date
		snapshot.Fields["voucher_type"] = v.VoucherTypeName
		snapshot.Fields["number"] = v.VoucherNumber
		snapshot.Fields["party_name"] = v.PartyLedgerName
		snapshot.Fields["narration"] = v.Narration
		for _, e := range v.Entries {
			switch e.IsDeemedPositive {
			case "Yes":
				snapshot.Fields["debit_ledger"] = e.LedgerName
				snapshot.Fields["amount"] = trimSign(e.Amount)
			default:
				if snapshot.Fields["credit_ledger"] == "" {
					snapshot.Fields["credit_ledger"] = e.LedgerName
				} else {
					snapshot.Fields["tax_ledger"] = e.LedgerName
					snapshot.Fields["tax_amount"] = e.Amount
				}
			}
		}

	case models.EntityItem:
		it := msg.Item
		if it == nil {
			return nil, &models.SchemaError{Type: entityType, Reason: "missing STOCKITEM element"}
		}
		snapshot.ID = it.RemoteID
		snapshot.Deleted = it.Action == "Delete"
		snapshot.Fields["name"] = it.Name
		snapshot.Fields["category"] = it.Parent
		snapshot.Fields["unit"] = it.BaseUnits
		snapshot.Fields["opening_balance"] = it.OpeningBalance
		snapshot.Fields["opening_rate"] = it.OpeningRate

	case models.EntityParty:
		l := msg.Ledger
		if l == nil {
			return nil, &models.SchemaError{Type: entityType, Reason: "missing LEDGER element"}
		}
		snapshot.ID = l.RemoteID
		snapshot.Deleted = l.Action == "Delete"
		snapshot.Fields["name"] = l.Name
		snapshot.Fields["parent_group"] = l.Parent
		snapshot.Fields["address"] = l.Address
		snapshot.Fields["gstin"] = l.GSTIN
		snapshot.Fields["opening_balance"] = l.OpeningBalance

	default:
		return nil, &models.SchemaError{Type: entityType, Reason: "unsupported entity type"}
	}

	dropEmpty(snapshot.Fields)
	return snapshot, nil
}

func dropEmpty(fields map[string]string) {
	for k, v := range fields {
		if v == "" {
			delete(fields, k)
		}
	}
}

func trimSign(s string) string {
	if len(s) > 0 && s[0] == '-' {
		return s[1:]
	}
	return s
}

// parseResponseEnvelope interprets the external system's reply.
func parseResponseEnvelope(data []byte) (*Result, error) {
	var env responseEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse response envelope: %w", err)
	}

	result := &Result{}

	if env.Body.Data.LineError != "" {
		result.LineError = env.Body.Data.LineError
		return result, &models.ExternalError{
			Line:      env.Body.Data.LineError,
			Duplicate: isDuplicateLine(env.Body.Data.LineError),
		}
	}

	ir := env.Body.Data.ImportResult
	if ir == nil {
		return nil, fmt.Errorf("response missing IMPORTRESULT")
	}

	result.Created = ir.Created
	result.Altered = ir.Altered
	result.Errors = ir.Errors
	result.ExternalID = ir.LastVchID

	if ir.Errors > 0 {
		return result, &models.ExternalError{
			Line: "import reported " + strconv.Itoa(ir.Errors) + " errors",
		}
	}

	return result, nil
}

func isDuplicateLine(line string) bool {
	lower := bytes.ToLower([]byte(line))
	return bytes.Contains(lower, []byte("already exists")) ||
		bytes.Contains(lower, []byte("duplicate"))
}
