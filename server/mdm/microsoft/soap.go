package microsoft_mdm

import (
	"bytes"
	"encoding/xml"
	"errors"
	"net/url"
	"strings"

	"github.com/fleetdm/mdmgateway/server/fleet"
)

// SoapRequest is the subset of an MS-MDE2 SOAP envelope read by the
// gateway. Element names are matched without their namespace, so the s: and
// a: prefixes used by Windows clients are accepted as well as any other
// prefix bound to the same namespaces.
type SoapRequest struct {
	XMLName xml.Name      `xml:"Envelope"`
	Header  RequestHeader `xml:"Header"`
	Body    RequestBody   `xml:"Body"`
}

// RequestHeader holds the WS-Addressing headers of the envelope.
type RequestHeader struct {
	Action    Action  `xml:"Action"`
	MessageID string  `xml:"MessageID"`
	ReplyTo   ReplyTo `xml:"ReplyTo"`
	To        To      `xml:"To"`
}

// Action is the WS-Addressing action of the message.
type Action struct {
	Content        string `xml:",chardata"`
	MustUnderstand string `xml:"mustUnderstand,attr"`
}

// To target endpoint header field
type To struct {
	Content        string `xml:",chardata"`
	MustUnderstand string `xml:"mustUnderstand,attr"`
}

// ReplyTo message correlation header field
type ReplyTo struct {
	Address string `xml:"Address"`
}

// RequestBody holds the message carried by the envelope. At most one of its
// fields is set.
type RequestBody struct {
	Discover    *Discover    `xml:"Discover"`
	GetPolicies *GetPolicies `xml:"GetPolicies"`
}

// Discover MS-MDE2 Message request type
// https://learn.microsoft.com/en-us/openspecs/windows_protocols/ms-mde2/36e33def-59ab-484f-b0bc-701496346925
type Discover struct {
	Request DiscoverRequest `xml:"request"`
}

type AuthPolicies struct {
	AuthPolicy []string `xml:"AuthPolicy"`
}

type DiscoverRequest struct {
	EmailAddress       string       `xml:"EmailAddress"`
	RequestVersion     string       `xml:"RequestVersion"`
	DeviceType         string       `xml:"DeviceType"`
	ApplicationVersion string       `xml:"ApplicationVersion"`
	OSEdition          string       `xml:"OSEdition"`
	AuthPolicies       AuthPolicies `xml:"AuthPolicies"`
}

// GetPolicies MS-MDE2 Message request type
// https://learn.microsoft.com/en-us/openspecs/windows_protocols/ms-mde2/02b080e4-d1d8-4e0c-af14-b77931cec404
type GetPolicies struct {
	Client Client `xml:"client"`
}

type Client struct {
	LastUpdate        string `xml:"lastUpdate"`
	PreferredLanguage string `xml:"preferredLanguage"`
}

// GetMessageID returns the message ID from the header
func (req *SoapRequest) GetMessageID() string {
	return req.Header.MessageID
}

// RequestContext is what a response needs from the request it answers: the
// message to relate to and the origin the gateway was reached on.
type RequestContext struct {
	MessageID string
	Origin    *url.URL
}

// ParseRequest decodes a SOAP envelope. Invalid XML, a document that is not
// an envelope and an envelope without a MessageID header all result in a
// fleet.MalformedRequestError.
func ParseRequest(body []byte) (*SoapRequest, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fleet.NewMalformedRequestError("empty SOAP request", nil)
	}

	var req SoapRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		return nil, fleet.NewMalformedRequestError("invalid SOAP request", err)
	}

	req.Header.MessageID = strings.TrimSpace(req.Header.MessageID)
	if req.Header.MessageID == "" {
		return nil, fleet.NewMalformedRequestError("invalid SOAP request", errors.New("missing Header.MessageID"))
	}
	return &req, nil
}
