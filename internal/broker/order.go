package broker

import (
	"context"
	"fmt"
)

// Order describes a cash order. The chat turn flow never places orders; this
// exists for the disabled trade-confirmation path and surfaces intents as
// advisory text only.
type Order struct {
	StockCode string  `json:"stock_code"`
	Side      string  `json:"order_side"` // buy or sell
	Type      string  `json:"order_type"` // market or limit
	Price     float64 `json:"order_price,omitempty"`
	Quantity  int     `json:"order_quantity"`
}

type hashkeyResponse struct {
	Hash string `json:"HASH"`
}

func (m *Manager) hashkey(ctx context.Context, cctx *CredentialContext, body map[string]string) (string, error) {
	var out hashkeyResponse
	resp, err := m.http.R().
		SetContext(ctx).
		SetHeader("content-type", "application/json").
		SetHeader("appkey", cctx.AppKey).
		SetHeader("appsecret", cctx.AppSecret).
		SetBody(body).
		SetResult(&out).
		Post("/uapi/hashkey")
	if err != nil {
		return "", fmt.Errorf("hashkey request: %w", err)
	}
	if resp.StatusCode() != 200 || out.Hash == "" {
		return "", fmt.Errorf("hashkey endpoint returned HTTP %d", resp.StatusCode())
	}
	return out.Hash, nil
}

type orderResponse struct {
	RtCd string `json:"rt_cd"`
	Msg1 string `json:"msg1"`
}

// PlaceOrder submits a cash order. Kept for the legacy confirm-trade path;
// unreachable from the chat turn.
func (m *Manager) PlaceOrder(ctx context.Context, userID int64, order Order) (string, error) {
	cctx, err := m.EnsureContext(ctx, userID)
	if err != nil {
		return "", err
	}
	if cctx == nil {
		return "", ErrNoCredentials
	}

	var trID string
	switch order.Side {
	case "buy":
		trID = m.cfg.TRIDOrderBuy
	case "sell":
		trID = m.cfg.TRIDOrderSell
	default:
		return "", fmt.Errorf("broker: order side must be buy or sell, got %q", order.Side)
	}

	var orderDvsn, unitPrice string
	switch order.Type {
	case "market":
		orderDvsn, unitPrice = "01", "0"
	case "limit":
		orderDvsn, unitPrice = "00", fmt.Sprintf("%.0f", order.Price)
	default:
		return "", fmt.Errorf("broker: order type must be market or limit, got %q", order.Type)
	}

	cano, prdt, err := splitAccountNo(cctx.AccountNo)
	if err != nil {
		return "", err
	}

	body := map[string]string{
		"CANO":         cano,
		"ACNT_PRDT_CD": prdt,
		"PDNO":         order.StockCode,
		"ORD_DVSN":     orderDvsn,
		"ORD_QTY":      fmt.Sprintf("%d", order.Quantity),
		"ORD_UNPR":     unitPrice,
	}

	var result string
	call := func() (string, error) {
		hash, err := m.hashkey(ctx, cctx, body)
		if err != nil {
			return "", err
		}
		var out orderResponse
		resp, err := m.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetHeader("authorization", "Bearer "+cctx.AccessToken).
			SetHeader("appkey", cctx.AppKey).
			SetHeader("appsecret", cctx.AppSecret).
			SetHeader("tr_id", trID).
			SetHeader("custtype", "P").
			SetHeader("hashkey", hash).
			SetBody(body).
			SetResult(&out).
			SetError(&out).
			Post("/uapi/domestic-stock/v1/trading/order-cash")
		if err != nil {
			return "", fmt.Errorf("order request: %w", err)
		}
		if IsTokenExpiredMessage(out.Msg1) {
			return out.Msg1, nil
		}
		if resp.StatusCode() != 200 || out.RtCd != "0" {
			return "", fmt.Errorf("order failed (HTTP %d): %s", resp.StatusCode(), out.Msg1)
		}
		result = out.Msg1
		return "", nil
	}

	if err := m.callWithRetry(ctx, userID, cctx, call); err != nil {
		return "", err
	}
	return result, nil
}
