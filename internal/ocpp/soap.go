package ocpp

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"time"
)

// OCPP 1.5 central-system SOAP binding. The envelope is decoded with
// encoding/xml, the body is mapped onto the shared payload structs, and
// responses are rendered back into the matching *Response elements. Everything
// past this file is version-agnostic.

const (
	soapNamespace   = "http://www.w3.org/2003/05/soap-envelope"
	ocppCSNamespace = "urn://Ocpp/Cs/2012/06/"
)

// SoapEnvelope is an inbound OCPP 1.5 SOAP frame
type SoapEnvelope struct {
	XMLName xml.Name   `xml:"Envelope"`
	Header  SoapHeader `xml:"Header"`
	Body    SoapBody   `xml:"Body"`
}

// SoapHeader carries the WS-Addressing and OCPP headers the core consumes
type SoapHeader struct {
	ChargeBoxIdentity string   `xml:"chargeBoxIdentity"`
	Action            string   `xml:"Action"`
	MessageID         string   `xml:"MessageID"`
	From              SoapFrom `xml:"From"`
}

// SoapFrom carries the station's callback address
type SoapFrom struct {
	Address string `xml:"Address"`
}

// SoapBody keeps the action element raw until the action is known
type SoapBody struct {
	Inner []byte `xml:",innerxml"`
}

// DecodeSoapEnvelope parses a raw 1.5 frame into its envelope
func DecodeSoapEnvelope(data []byte) (*SoapEnvelope, error) {
	var env SoapEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse SOAP envelope: %w", err)
	}
	if env.Header.ChargeBoxIdentity == "" {
		return nil, fmt.Errorf("SOAP header missing chargeBoxIdentity")
	}
	return &env, nil
}

// xml15 wire structs. Attribute-style metadata on <value> elements is the one
// structural difference to the 1.6 shapes.

type xmlBootNotificationRequest struct {
	XMLName                 xml.Name `xml:"bootNotificationRequest"`
	ChargePointVendor       string   `xml:"chargePointVendor"`
	ChargePointModel        string   `xml:"chargePointModel"`
	ChargePointSerialNumber string   `xml:"chargePointSerialNumber"`
	ChargeBoxSerialNumber   string   `xml:"chargeBoxSerialNumber"`
	FirmwareVersion         string   `xml:"firmwareVersion"`
	Iccid                   string   `xml:"iccid"`
	Imsi                    string   `xml:"imsi"`
	MeterType               string   `xml:"meterType"`
	MeterSerialNumber       string   `xml:"meterSerialNumber"`
}

type xmlHeartbeatRequest struct {
	XMLName xml.Name `xml:"heartbeatRequest"`
}

type xmlStatusNotificationRequest struct {
	XMLName         xml.Name `xml:"statusNotificationRequest"`
	ConnectorId     int      `xml:"connectorId"`
	Status          string   `xml:"status"`
	ErrorCode       string   `xml:"errorCode"`
	Info            string   `xml:"info"`
	Timestamp       string   `xml:"timestamp"`
	VendorId        string   `xml:"vendorId"`
	VendorErrorCode string   `xml:"vendorErrorCode"`
}

type xmlAuthorizeRequest struct {
	XMLName xml.Name `xml:"authorizeRequest"`
	IdTag   string   `xml:"idTag"`
}

type xmlStartTransactionRequest struct {
	XMLName       xml.Name `xml:"startTransactionRequest"`
	ConnectorId   int      `xml:"connectorId"`
	IdTag         string   `xml:"idTag"`
	MeterStart    int      `xml:"meterStart"`
	Timestamp     string   `xml:"timestamp"`
	ReservationId *int     `xml:"reservationId"`
}

type xmlStopTransactionRequest struct {
	XMLName         xml.Name              `xml:"stopTransactionRequest"`
	TransactionId   int                   `xml:"transactionId"`
	IdTag           string                `xml:"idTag"`
	MeterStop       int                   `xml:"meterStop"`
	Timestamp       string                `xml:"timestamp"`
	Reason          string                `xml:"reason"`
	TransactionData []xmlTransactionData `xml:"transactionData"`
}

type xmlTransactionData struct {
	Values []xmlMeterValueGroup `xml:"values"`
}

type xmlMeterValuesRequest struct {
	XMLName       xml.Name             `xml:"meterValuesRequest"`
	ConnectorId   int                  `xml:"connectorId"`
	TransactionId *int                 `xml:"transactionId"`
	Values        []xmlMeterValueGroup `xml:"values"`
}

type xmlMeterValueGroup struct {
	Timestamp string           `xml:"timestamp"`
	Value     []xmlMeterSample `xml:"value"`
}

type xmlMeterSample struct {
	Context   string `xml:"context,attr"`
	Format    string `xml:"format,attr"`
	Measurand string `xml:"measurand,attr"`
	Location  string `xml:"location,attr"`
	Unit      string `xml:"unit,attr"`
	Phase     string `xml:"phase,attr"`
	Value     string `xml:",chardata"`
}

type xmlDataTransferRequest struct {
	XMLName   xml.Name `xml:"dataTransferRequest"`
	VendorId  string   `xml:"vendorId"`
	MessageId string   `xml:"messageId"`
	Data      string   `xml:"data"`
}

type xmlFirmwareStatusNotificationRequest struct {
	XMLName xml.Name `xml:"firmwareStatusNotificationRequest"`
	Status  string   `xml:"status"`
}

type xmlDiagnosticsStatusNotificationRequest struct {
	XMLName xml.Name `xml:"diagnosticsStatusNotificationRequest"`
	Status  string   `xml:"status"`
}

func parseSoapTime(value string) (DateTime, error) {
	if value == "" {
		return DateTime{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return DateTime{}, fmt.Errorf("%w: %q", ErrInvalidDateTime, value)
	}
	return NewDateTime(t), nil
}

func (g xmlMeterValueGroup) toMeterValue() (MeterValue, error) {
	ts, err := parseSoapTime(g.Timestamp)
	if err != nil {
		return MeterValue{}, err
	}
	group := MeterValue{Timestamp: ts}
	for _, s := range g.Value {
		group.SampledValue = append(group.SampledValue, SampledValue{
			Value:     s.Value,
			Context:   ReadingContext(s.Context),
			Format:    ValueFormat(s.Format),
			Measurand: Measurand(s.Measurand),
			Phase:     Phase(s.Phase),
			Location:  Location(s.Location),
			Unit:      UnitOfMeasure(s.Unit),
		})
	}
	return group, nil
}

// DecodeSoapAction maps the envelope body onto the shared payload structs.
// The returned action name matches the JSON dispatch table, so the dispatcher
// never sees the carrier.
func DecodeSoapAction(env *SoapEnvelope) (Action, interface{}, error) {
	body := env.Body.Inner

	switch probe := soapActionOf(env); probe {
	case ActionBootNotification:
		var req xmlBootNotificationRequest
		if err := xml.Unmarshal(body, &req); err != nil {
			return probe, nil, fmt.Errorf("failed to parse bootNotificationRequest: %w", err)
		}
		return probe, &BootNotificationRequest{
			ChargePointVendor:       req.ChargePointVendor,
			ChargePointModel:        req.ChargePointModel,
			ChargePointSerialNumber: req.ChargePointSerialNumber,
			ChargeBoxSerialNumber:   req.ChargeBoxSerialNumber,
			FirmwareVersion:         req.FirmwareVersion,
			Iccid:                   req.Iccid,
			Imsi:                    req.Imsi,
			MeterType:               req.MeterType,
			MeterSerialNumber:       req.MeterSerialNumber,
		}, nil

	case ActionHeartbeat:
		return probe, &HeartbeatRequest{}, nil

	case ActionStatusNotification:
		var req xmlStatusNotificationRequest
		if err := xml.Unmarshal(body, &req); err != nil {
			return probe, nil, fmt.Errorf("failed to parse statusNotificationRequest: %w", err)
		}
		out := &StatusNotificationRequest{
			ConnectorId:     req.ConnectorId,
			Status:          ChargePointStatus(req.Status),
			ErrorCode:       ChargePointErrorCode(req.ErrorCode),
			Info:            req.Info,
			VendorId:        req.VendorId,
			VendorErrorCode: req.VendorErrorCode,
		}
		if req.Timestamp != "" {
			ts, err := parseSoapTime(req.Timestamp)
			if err != nil {
				return probe, nil, err
			}
			out.Timestamp = &ts
		}
		return probe, out, nil

	case ActionAuthorize:
		var req xmlAuthorizeRequest
		if err := xml.Unmarshal(body, &req); err != nil {
			return probe, nil, fmt.Errorf("failed to parse authorizeRequest: %w", err)
		}
		return probe, &AuthorizeRequest{IdTag: IdToken(req.IdTag)}, nil

	case ActionStartTransaction:
		var req xmlStartTransactionRequest
		if err := xml.Unmarshal(body, &req); err != nil {
			return probe, nil, fmt.Errorf("failed to parse startTransactionRequest: %w", err)
		}
		ts, err := parseSoapTime(req.Timestamp)
		if err != nil {
			return probe, nil, err
		}
		return probe, &StartTransactionRequest{
			ConnectorId:   req.ConnectorId,
			IdTag:         IdToken(req.IdTag),
			MeterStart:    req.MeterStart,
			Timestamp:     ts,
			ReservationId: req.ReservationId,
		}, nil

	case ActionStopTransaction:
		var req xmlStopTransactionRequest
		if err := xml.Unmarshal(body, &req); err != nil {
			return probe, nil, fmt.Errorf("failed to parse stopTransactionRequest: %w", err)
		}
		ts, err := parseSoapTime(req.Timestamp)
		if err != nil {
			return probe, nil, err
		}
		out := &StopTransactionRequest{
			TransactionId: req.TransactionId,
			IdTag:         IdToken(req.IdTag),
			MeterStop:     req.MeterStop,
			Timestamp:     ts,
			Reason:        Reason(req.Reason),
		}
		td, err := encodeLegacyTransactionData(req.TransactionData)
		if err != nil {
			return probe, nil, err
		}
		out.TransactionData = td
		return probe, out, nil

	case ActionMeterValues:
		var req xmlMeterValuesRequest
		if err := xml.Unmarshal(body, &req); err != nil {
			return probe, nil, fmt.Errorf("failed to parse meterValuesRequest: %w", err)
		}
		out := &MeterValuesRequest{
			ConnectorId:   req.ConnectorId,
			TransactionId: req.TransactionId,
		}
		for _, g := range req.Values {
			group, err := g.toMeterValue()
			if err != nil {
				return probe, nil, err
			}
			out.MeterValue = append(out.MeterValue, group)
		}
		return probe, out, nil

	case ActionDataTransfer:
		var req xmlDataTransferRequest
		if err := xml.Unmarshal(body, &req); err != nil {
			return probe, nil, fmt.Errorf("failed to parse dataTransferRequest: %w", err)
		}
		return probe, &DataTransferRequest{
			VendorId:  req.VendorId,
			MessageId: req.MessageId,
			Data:      req.Data,
		}, nil

	case ActionFirmwareStatusNotification:
		var req xmlFirmwareStatusNotificationRequest
		if err := xml.Unmarshal(body, &req); err != nil {
			return probe, nil, fmt.Errorf("failed to parse firmwareStatusNotificationRequest: %w", err)
		}
		return probe, &FirmwareStatusNotificationRequest{Status: FirmwareStatus(req.Status)}, nil

	case ActionDiagnosticsStatusNotification:
		var req xmlDiagnosticsStatusNotificationRequest
		if err := xml.Unmarshal(body, &req); err != nil {
			return probe, nil, fmt.Errorf("failed to parse diagnosticsStatusNotificationRequest: %w", err)
		}
		return probe, &DiagnosticsStatusNotificationRequest{Status: DiagnosticsStatus(req.Status)}, nil

	default:
		return probe, nil, fmt.Errorf("unsupported SOAP action %q", env.Header.Action)
	}
}

// soapActionOf resolves the action from the WS-Addressing header, tolerating
// the leading-slash form some firmwares send.
func soapActionOf(env *SoapEnvelope) Action {
	action := env.Header.Action
	if len(action) > 0 && action[0] == '/' {
		action = action[1:]
	}
	return Action(action)
}

// encodeLegacyTransactionData folds the XML transactionData into the 1.5 JSON
// shape so the shared shape check in TransactionData.Normalize applies.
func encodeLegacyTransactionData(data []xmlTransactionData) (TransactionData, error) {
	if len(data) == 0 {
		return nil, nil
	}

	legacy := transactionData15{}
	for _, td := range data {
		for _, g := range td.Values {
			ts, err := parseSoapTime(g.Timestamp)
			if err != nil {
				return nil, err
			}
			entries := make([]sampledValue15, 0, len(g.Value))
			for _, s := range g.Value {
				entries = append(entries, sampledValue15{
					Attributes: sampledValueAttributes15{
						Context:   ReadingContext(s.Context),
						Format:    ValueFormat(s.Format),
						Measurand: Measurand(s.Measurand),
						Location:  Location(s.Location),
						Unit:      UnitOfMeasure(s.Unit),
						Phase:     Phase(s.Phase),
					},
					Value: s.Value,
				})
			}
			raw, err := json.Marshal(entries)
			if err != nil {
				return nil, err
			}
			legacy.Values = append(legacy.Values, meterValue15{Timestamp: ts, Value: raw})
		}
	}

	out, err := json.Marshal(legacy)
	if err != nil {
		return nil, err
	}
	return TransactionData(out), nil
}

// EncodeSoapResponse renders a handler response into a 1.5 SOAP envelope.
func EncodeSoapResponse(action Action, payload interface{}) ([]byte, error) {
	inner, err := marshalSoapResponseBody(action, payload)
	if err != nil {
		return nil, err
	}

	var buf []byte
	buf = append(buf, xml.Header...)
	buf = append(buf, fmt.Sprintf(`<soap:Envelope xmlns:soap=%q><soap:Body>`, soapNamespace)...)
	buf = append(buf, inner...)
	buf = append(buf, `</soap:Body></soap:Envelope>`...)
	return buf, nil
}

type xmlIdTagInfo struct {
	Status      string `xml:"status"`
	ExpiryDate  string `xml:"expiryDate,omitempty"`
	ParentIdTag string `xml:"parentIdTag,omitempty"`
}

func toXMLIdTagInfo(info *IdTagInfo) xmlIdTagInfo {
	out := xmlIdTagInfo{}
	if info == nil {
		return out
	}
	out.Status = string(info.Status)
	out.ParentIdTag = info.ParentIdTag
	if info.ExpiryDate != nil {
		out.ExpiryDate = info.ExpiryDate.Time.UTC().Format(time.RFC3339)
	}
	return out
}

func marshalSoapResponseBody(action Action, payload interface{}) ([]byte, error) {
	switch resp := payload.(type) {
	case *BootNotificationResponse:
		out := struct {
			XMLName     xml.Name `xml:"bootNotificationResponse"`
			Xmlns       string   `xml:"xmlns,attr"`
			Status      string   `xml:"status"`
			CurrentTime string   `xml:"currentTime"`
			Interval    int      `xml:"heartbeatInterval"`
		}{
			Xmlns:       ocppCSNamespace,
			Status:      string(resp.Status),
			CurrentTime: resp.CurrentTime.Time.UTC().Format(time.RFC3339),
			Interval:    resp.Interval,
		}
		return xml.Marshal(out)

	case *HeartbeatResponse:
		out := struct {
			XMLName     xml.Name `xml:"heartbeatResponse"`
			Xmlns       string   `xml:"xmlns,attr"`
			CurrentTime string   `xml:"currentTime"`
		}{
			Xmlns:       ocppCSNamespace,
			CurrentTime: resp.CurrentTime.Time.UTC().Format(time.RFC3339),
		}
		return xml.Marshal(out)

	case *StatusNotificationResponse:
		return soapEmptyResponse("statusNotificationResponse"), nil

	case *MeterValuesResponse:
		return soapEmptyResponse("meterValuesResponse"), nil

	case *AuthorizeResponse:
		out := struct {
			XMLName   xml.Name     `xml:"authorizeResponse"`
			Xmlns     string       `xml:"xmlns,attr"`
			IdTagInfo xmlIdTagInfo `xml:"idTagInfo"`
		}{
			Xmlns:     ocppCSNamespace,
			IdTagInfo: toXMLIdTagInfo(&resp.IdTagInfo),
		}
		return xml.Marshal(out)

	case *StartTransactionResponse:
		out := struct {
			XMLName       xml.Name     `xml:"startTransactionResponse"`
			Xmlns         string       `xml:"xmlns,attr"`
			TransactionId int          `xml:"transactionId"`
			IdTagInfo     xmlIdTagInfo `xml:"idTagInfo"`
		}{
			Xmlns:         ocppCSNamespace,
			TransactionId: resp.TransactionId,
			IdTagInfo:     toXMLIdTagInfo(&resp.IdTagInfo),
		}
		return xml.Marshal(out)

	case *StopTransactionResponse:
		out := struct {
			XMLName   xml.Name      `xml:"stopTransactionResponse"`
			Xmlns     string        `xml:"xmlns,attr"`
			IdTagInfo *xmlIdTagInfo `xml:"idTagInfo,omitempty"`
		}{Xmlns: ocppCSNamespace}
		if resp.IdTagInfo != nil {
			info := toXMLIdTagInfo(resp.IdTagInfo)
			out.IdTagInfo = &info
		}
		return xml.Marshal(out)

	case *DataTransferResponse:
		out := struct {
			XMLName xml.Name `xml:"dataTransferResponse"`
			Xmlns   string   `xml:"xmlns,attr"`
			Status  string   `xml:"status"`
			Data    string   `xml:"data,omitempty"`
		}{
			Xmlns:  ocppCSNamespace,
			Status: resp.Status,
			Data:   resp.Data,
		}
		return xml.Marshal(out)

	case *FirmwareStatusNotificationResponse:
		return soapEmptyResponse("firmwareStatusNotificationResponse"), nil

	case *DiagnosticsStatusNotificationResponse:
		return soapEmptyResponse("diagnosticsStatusNotificationResponse"), nil

	default:
		return nil, fmt.Errorf("no SOAP rendering for %s response %T", action, payload)
	}
}

func soapEmptyResponse(element string) []byte {
	return []byte(fmt.Sprintf(`<%s xmlns=%q></%s>`, element, ocppCSNamespace, element))
}
