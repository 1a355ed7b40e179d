package handler

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/plugin-storefront/internal/service"
)

type adminAuthRequest struct {
	Password string `json:"password"`
}

type adminAuthResponse struct {
	Success   bool   `json:"success"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

// AdminLogin обменивает пароль администратора на токен сессии.
func (h *Handler) AdminLogin(w http.ResponseWriter, r *http.Request) {
	var req adminAuthRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.AuthenticateAdmin(req.Password); err != nil {
		if errors.Is(err, service.ErrAdminDisabled) {
			h.logger.Error("admin password is not configured")
			writeErrorMessage(w, http.StatusInternalServerError, "Server configuration error")
			return
		}
		h.logger.Warn("admin authentication failed")
		writeErrorMessage(w, http.StatusUnauthorized, "Invalid password")
		return
	}

	token, expiresAt, err := h.adminAuth.IssueToken()
	if err != nil {
		h.logger.Error("issue admin token error", zap.Error(err))
		writeErrorMessage(w, http.StatusInternalServerError, "Authentication failed")
		return
	}
	writeJSON(w, http.StatusOK, adminAuthResponse{
		Success:   true,
		Token:     token,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	})
}

type statsResponse struct {
	*service.AdminStats
	RecentOrders []recentOrderResponse `json:"recentOrders"`
}

type recentOrderResponse struct {
	orderResponse
	DownloadCount int64 `json:"download_count"`
}

// AdminStats возвращает сводку для панели администратора.
func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.AdminStats(r.Context())
	if err != nil {
		h.writeError(w, err, "admin stats", "")
		return
	}

	resp := statsResponse{
		AdminStats:   st,
		RecentOrders: make([]recentOrderResponse, 0, len(st.RecentOrders)),
	}
	for i := range st.RecentOrders {
		ro := &st.RecentOrders[i]
		resp.RecentOrders = append(resp.RecentOrders, recentOrderResponse{
			orderResponse: h.toOrderResponse(&ro.Order),
			DownloadCount: ro.DownloadCount,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ChartData возвращает ежедневные показатели за последние 30 дней.
func (h *Handler) ChartData(w http.ResponseWriter, r *http.Request) {
	days, err := h.service.ChartData(r.Context())
	if err != nil {
		h.writeError(w, err, "chart data", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chartData": days})
}

// ExportEmails выгружает заказы в CSV; ?marketing=true оставляет только подписчиков.
func (h *Handler) ExportEmails(w http.ResponseWriter, r *http.Request) {
	marketingOnly := r.URL.Query().Get("marketing") == "true"

	var buf bytes.Buffer
	if err := h.service.ExportOrdersCSV(r.Context(), &buf, marketingOnly); err != nil {
		h.writeError(w, err, "export emails", "")
		return
	}

	name := "all-customers"
	if marketingOnly {
		name = "marketing-subscribers"
	}
	h.writeCSV(w, name, buf.Bytes())
}

// ExportSubscribers выгружает подписчиков рассылки в CSV.
func (h *Handler) ExportSubscribers(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := h.service.ExportSubscribersCSV(r.Context(), &buf); err != nil {
		h.writeError(w, err, "export subscribers", "")
		return
	}
	h.writeCSV(w, "subscribers", buf.Bytes())
}

func (h *Handler) writeCSV(w http.ResponseWriter, name string, data []byte) {
	filename := name + "-" + h.now().UTC().Format("2006-01-02") + ".csv"
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type updateEmailRequest struct {
	OldEmail string `json:"oldEmail"`
	NewEmail string `json:"newEmail"`
}

// UpdateEmail переносит заказы со старого адреса на новый.
func (h *Handler) UpdateEmail(w http.ResponseWriter, r *http.Request) {
	var req updateEmailRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	n, err := h.service.RenameEmail(r.Context(), req.OldEmail, req.NewEmail)
	if err != nil {
		h.writeError(w, err, "update email", "No orders found with email "+req.OldEmail)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      "Email updated successfully",
		"updatedCount": n,
	})
}

type emailRequest struct {
	Email string `json:"email"`
}

// AddSubscriber вручную добавляет адрес в рассылку.
func (h *Handler) AddSubscriber(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.AddSubscriber(r.Context(), req.Email); err != nil {
		h.writeError(w, err, "add subscriber", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Subscriber added successfully",
		"email":   req.Email,
	})
}

type generateLicenseRequest struct {
	Email  string `json:"email"`
	Family string `json:"family"`
}

// GenerateLicense выпускает новый ключ для последнего заказа адреса и отправляет его письмом.
func (h *Handler) GenerateLicense(w http.ResponseWriter, r *http.Request) {
	var req generateLicenseRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	key, err := h.service.IssueReplacementLicense(r.Context(), req.Email, req.Family)
	if err != nil {
		h.writeError(w, err, "generate license", "No purchase found for this email address")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"licenseKey": key,
	})
}
