// Package wecom implements the WeCom group robot and WeCom application
// adapters. Both receive callbacks through the signed, encrypted envelope
// scheme; they differ in how replies are sent.
package wecom

import (
	"encoding/json"
	"encoding/xml"
	"net/http"
	"net/url"
	"strings"

	"github.com/memohai/imbridge/internal/channel"
	"github.com/memohai/imbridge/internal/envelope"
	"github.com/memohai/imbridge/internal/fault"
)

// Expired or invalid access token errcodes.
var expiredTokenCodes = map[int]bool{40001: true, 40014: true, 42001: true}

type apiResult struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func newCodec(platform string, cfg channel.ChannelConfig) (*envelope.Codec, error) {
	receiver := strings.TrimSpace(cfg.ReceiverID)
	return envelope.NewCodec(envelope.Secret{
		Token:          cfg.Token,
		EncodingAESKey: cfg.EncodingAESKey,
		ReceiverID:     receiver,
	}, envelope.WithPlatform(platform))
}

func envelopeFromQuery(query url.Values, ciphertext string) envelope.Envelope {
	return envelope.Envelope{
		Signature:  query.Get("msg_signature"),
		Timestamp:  query.Get("timestamp"),
		Nonce:      query.Get("nonce"),
		Ciphertext: ciphertext,
	}
}

// verifyURL answers the URL-verification probe with the decrypted echostr.
func verifyURL(codec *envelope.Codec, query url.Values) (channel.WebhookResponse, error) {
	plain, err := codec.VerifyAndDecrypt(envelopeFromQuery(query, query.Get("echostr")))
	if err != nil {
		return channel.WebhookResponse{}, err
	}
	return channel.WebhookResponse{
		Status:      http.StatusOK,
		ContentType: "text/plain; charset=utf-8",
		Body:        plain,
	}, nil
}

// openJSON decrypts a {"encrypt": "..."} callback body.
func openJSON(platform string, codec *envelope.Codec, query url.Values, body []byte) ([]byte, error) {
	var outer struct {
		Encrypt string `json:"encrypt"`
	}
	if err := json.Unmarshal(body, &outer); err != nil || strings.TrimSpace(outer.Encrypt) == "" {
		return nil, fault.Integrity(platform, "malformed callback body")
	}
	return codec.VerifyAndDecrypt(envelopeFromQuery(query, outer.Encrypt))
}

// openXML decrypts a <xml><Encrypt/></xml> callback body.
func openXML(platform string, codec *envelope.Codec, query url.Values, body []byte) ([]byte, error) {
	var outer struct {
		XMLName xml.Name `xml:"xml"`
		Encrypt string   `xml:"Encrypt"`
	}
	if err := xml.Unmarshal(body, &outer); err != nil || strings.TrimSpace(outer.Encrypt) == "" {
		return nil, fault.Integrity(platform, "malformed callback body")
	}
	return codec.VerifyAndDecrypt(envelopeFromQuery(query, outer.Encrypt))
}

func ackResponse() channel.WebhookResponse {
	return channel.WebhookResponse{Status: http.StatusOK, ContentType: "text/plain; charset=utf-8"}
}
