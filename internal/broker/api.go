package broker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/stockelper/orchestrator/internal/metrics"
)

var stockCodePattern = regexp.MustCompile(`^\d{6}$`)

// ValidStockCode reports whether code is a strict 6-digit security code.
func ValidStockCode(code string) bool {
	return stockCodePattern.MatchString(code)
}

// Quote is the current-price snapshot returned by the quote endpoint.
type Quote struct {
	Market        string `json:"market"`
	Sector        string `json:"sector"`
	StockCode     string `json:"stock_code"`
	Price         string `json:"price"`
	PrevClose     string `json:"prev_close"`
	UpperLimit    string `json:"upper_limit"`
	LowerLimit    string `json:"lower_limit"`
	High          string `json:"high"`
	Low           string `json:"low"`
	Volume        string `json:"volume"`
	TradeValue    string `json:"trade_value"`
	PER           string `json:"per"`
	PBR           string `json:"pbr"`
	EPS           string `json:"eps"`
	BPS           string `json:"bps"`
	Change        string `json:"change"`
	ForeignRatio  string `json:"foreign_ratio"`
	High250       string `json:"high_250d"`
	Low250        string `json:"low_250d"`
	MarketWarning string `json:"market_warning"`
}

type quoteOutput struct {
	Market        string `json:"rprs_mrkt_kor_name"`
	Sector        string `json:"bstp_kor_isnm"`
	Price         string `json:"stck_prpr"`
	PrevClose     string `json:"stck_sdpr"`
	UpperLimit    string `json:"stck_mxpr"`
	LowerLimit    string `json:"stck_llam"`
	High          string `json:"stck_hgpr"`
	Low           string `json:"stck_lwpr"`
	Volume        string `json:"acml_vol"`
	TradeValue    string `json:"acml_tr_pbmn"`
	PER           string `json:"per"`
	PBR           string `json:"pbr"`
	EPS           string `json:"eps"`
	BPS           string `json:"bps"`
	Change        string `json:"prdy_vrss"`
	ForeignRatio  string `json:"hts_frgn_ehrt"`
	High250       string `json:"d250_hgpr"`
	Low250        string `json:"d250_lwpr"`
	MarketWarning string `json:"mrkt_warn_cls_code"`
}

type quoteResponse struct {
	RtCd   string      `json:"rt_cd"`
	Msg1   string      `json:"msg1"`
	Output quoteOutput `json:"output"`
}

// CurrentPrice fetches the quote for a 6-digit stock code. When the user has
// no stored credentials it falls back to the service account; when neither
// exists it returns ErrNoCredentials.
func (m *Manager) CurrentPrice(ctx context.Context, userID int64, stockCode string) (*Quote, error) {
	stockCode = strings.TrimSpace(stockCode)
	if !ValidStockCode(stockCode) {
		return nil, fmt.Errorf("broker: a 6-digit stock code is required, got %q", stockCode)
	}

	cctx, err := m.EnsureContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cctx == nil {
		cctx, err = m.serviceContext(ctx)
		if err != nil {
			return nil, err
		}
		if cctx == nil {
			return nil, ErrNoCredentials
		}
	}

	var last quoteResponse
	call := func() (string, error) {
		var out quoteResponse
		resp, err := m.http.R().
			SetContext(ctx).
			SetHeader("content-type", "application/json").
			SetHeader("authorization", "Bearer "+cctx.AccessToken).
			SetHeader("appkey", cctx.AppKey).
			SetHeader("appsecret", cctx.AppSecret).
			SetHeader("tr_id", m.cfg.TRIDPrice).
			SetHeader("custtype", "P").
			SetQueryParams(map[string]string{
				"fid_cond_mrkt_div_code": "J",
				"fid_input_iscd":         stockCode,
			}).
			SetResult(&out).
			SetError(&out).
			Get("/uapi/domestic-stock/v1/quotations/inquire-price")
		if err != nil {
			return "", fmt.Errorf("quote request: %w", err)
		}
		last = out
		if IsTokenExpiredMessage(out.Msg1) {
			return out.Msg1, nil
		}
		if resp.StatusCode() != 200 {
			return "", fmt.Errorf("quote failed (HTTP %d): %s", resp.StatusCode(), out.Msg1)
		}
		if out.RtCd != "0" {
			return "", fmt.Errorf("quote failed: %s", out.Msg1)
		}
		return "", nil
	}

	if err := m.callWithRetry(ctx, userID, cctx, call); err != nil {
		metrics.BrokerCalls.WithLabelValues("quote", "error").Inc()
		return nil, err
	}
	metrics.BrokerCalls.WithLabelValues("quote", "ok").Inc()

	o := last.Output
	if o == (quoteOutput{}) {
		return nil, errors.New("broker: quote response had no output")
	}
	return &Quote{
		Market:        o.Market,
		Sector:        o.Sector,
		StockCode:     stockCode,
		Price:         o.Price,
		PrevClose:     o.PrevClose,
		UpperLimit:    o.UpperLimit,
		LowerLimit:    o.LowerLimit,
		High:          o.High,
		Low:           o.Low,
		Volume:        o.Volume,
		TradeValue:    o.TradeValue,
		PER:           o.PER,
		PBR:           o.PBR,
		EPS:           o.EPS,
		BPS:           o.BPS,
		Change:        o.Change,
		ForeignRatio:  o.ForeignRatio,
		High250:       o.High250,
		Low250:        o.Low250,
		MarketWarning: o.MarketWarning,
	}, nil
}

// Balance is the cash / total valuation pair from the balance endpoint.
type Balance struct {
	Cash      string `json:"cash"`
	TotalEval string `json:"total_eval"`
}

type balanceResponse struct {
	RtCd    string `json:"rt_cd"`
	Msg1    string `json:"msg1"`
	Output2 []struct {
		Cash      string `json:"dnca_tot_amt"`
		TotalEval string `json:"tot_evlu_amt"`
	} `json:"output2"`
}

// AccountBalance returns the user's deposit and total valuation, or
// ErrNoCredentials when no account is stored.
func (m *Manager) AccountBalance(ctx context.Context, userID int64) (*Balance, error) {
	cctx, err := m.EnsureContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cctx == nil {
		return nil, ErrNoCredentials
	}

	cano, prdt, err := splitAccountNo(cctx.AccountNo)
	if err != nil {
		return nil, err
	}

	var last balanceResponse
	call := func() (string, error) {
		var out balanceResponse
		resp, err := m.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetHeader("authorization", "Bearer "+cctx.AccessToken).
			SetHeader("appKey", cctx.AppKey).
			SetHeader("appSecret", cctx.AppSecret).
			SetHeader("tr_id", m.cfg.TRIDBalance).
			SetHeader("custtype", "P").
			SetQueryParams(map[string]string{
				"CANO":                  cano,
				"ACNT_PRDT_CD":          prdt,
				"AFHR_FLPR_YN":          "N",
				"OFL_YN":                "",
				"INQR_DVSN":             "01",
				"UNPR_DVSN":             "01",
				"FUND_STTL_ICLD_YN":     "N",
				"FNCG_AMT_AUTO_RDPT_YN": "N",
				"PRCS_DVSN":             "01",
				"CTX_AREA_FK100":        "",
				"CTX_AREA_NK100":        "",
			}).
			SetResult(&out).
			SetError(&out).
			Get("/uapi/domestic-stock/v1/trading/inquire-balance")
		if err != nil {
			return "", fmt.Errorf("balance request: %w", err)
		}
		last = out
		if IsTokenExpiredMessage(out.Msg1) {
			return out.Msg1, nil
		}
		if resp.StatusCode() != 200 {
			return "", fmt.Errorf("balance failed (HTTP %d): %s", resp.StatusCode(), out.Msg1)
		}
		if out.RtCd != "0" {
			return "", fmt.Errorf("balance failed: %s", out.Msg1)
		}
		return "", nil
	}

	if err := m.callWithRetry(ctx, userID, cctx, call); err != nil {
		metrics.BrokerCalls.WithLabelValues("balance", "error").Inc()
		return nil, err
	}
	metrics.BrokerCalls.WithLabelValues("balance", "ok").Inc()
	if len(last.Output2) == 0 {
		return nil, errors.New("broker: balance response had no output")
	}
	return &Balance{Cash: last.Output2[0].Cash, TotalEval: last.Output2[0].TotalEval}, nil
}

func splitAccountNo(accountNo string) (string, string, error) {
	parts := strings.SplitN(accountNo, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("broker: malformed account number %q", accountNo)
	}
	return parts[0], parts[1], nil
}
