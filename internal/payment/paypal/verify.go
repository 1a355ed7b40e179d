package paypal

import (
	"context"
	"encoding/json"
	"net/http"
)

type verifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

type verifyResponse struct {
	VerificationStatus string `json:"verification_status"`
}

// VerifyNotification передаёт заголовки передачи в API проверки подписи PayPal.
// Уведомление без заголовков или с битым телом считается неподлинным без обращения к API.
func (a *Adapter) VerifyNotification(ctx context.Context, header http.Header, body []byte) (bool, error) {
	if a.cfg.WebhookID == "" {
		return false, nil
	}

	req := verifyRequest{
		AuthAlgo:         header.Get("Paypal-Auth-Algo"),
		CertURL:          header.Get("Paypal-Cert-Url"),
		TransmissionID:   header.Get("Paypal-Transmission-Id"),
		TransmissionSig:  header.Get("Paypal-Transmission-Sig"),
		TransmissionTime: header.Get("Paypal-Transmission-Time"),
		WebhookID:        a.cfg.WebhookID,
		WebhookEvent:     body,
	}
	if req.AuthAlgo == "" || req.CertURL == "" || req.TransmissionID == "" ||
		req.TransmissionSig == "" || req.TransmissionTime == "" {
		return false, nil
	}
	if !json.Valid(body) {
		return false, nil
	}

	var resp verifyResponse
	if err := a.call(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", req, &resp); err != nil {
		return false, err
	}
	return resp.VerificationStatus == "SUCCESS", nil
}
