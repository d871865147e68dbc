package restapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/flowee-go/hubindex/internal/bchaddr"
	"github.com/flowee-go/hubindex/internal/search"
	"github.com/flowee-go/hubindex/internal/wire"
)

// satoshisPerBCH is BCH's fixed 8-decimal-place denomination.
const satoshisPerBCH = 100000000

// errBadTxID/errBadAmount/errBadAddress are rendered as 400s, distinct from
// upstream ServiceUnavailableError's 503 and a plain "not found" 404.
var (
	errBadTxID    = errors.New("restapi: malformed transaction id")
	errBadAmount  = errors.New("restapi: malformed amount")
	errBadAddress = errors.New("restapi: unrecognized address")
)

func renderJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// renderError maps an error to an HTTP status, matching §6.3: a
// ServiceUnavailableError always renders 503 with the upstream's name, a bad
// request renders 400, an expired context deadline renders 504, anything
// else renders 500.
func renderError(w http.ResponseWriter, err error) {
	var sue *search.ServiceUnavailableError
	if errors.As(err, &sue) {
		renderJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "could not find upstream service: " + sue.Service.String(),
		})
		return
	}
	switch {
	case errors.Is(err, errBadTxID), errors.Is(err, errBadAmount), errors.Is(err, errBadAddress):
		renderJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		renderJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "upstream timed out"})
	default:
		renderJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// parseTxID decodes a plain-hex 32-byte transaction id, the same byte order
// wire.Hash256.String renders back out; txids in this façade never get
// byte-reversed, unlike some Bitcoin-family JSON APIs.
func parseTxID(s string) (wire.Hash256, error) {
	var h wire.Hash256
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != wire.Hash256Size {
		return h, errBadTxID
	}
	copy(h[:], raw)
	return h, nil
}

// decodeAddress accepts either CashAddr or legacy base58, returning the
// underlying 20-byte hash regardless of which form the caller used.
func decodeAddress(defaultHRP, s string) (wire.Hash160, error) {
	if _, h, err := bchaddr.DecodeCashAddr(s, defaultHRP); err == nil {
		return h, nil
	}
	_, h, err := bchaddr.DecodeLegacy(s)
	if err != nil {
		return h, errors.Wrap(errBadAddress, err.Error())
	}
	return h, nil
}

// OutputView renders one Output, amounts both in BCH and satoshis.
type OutputView struct {
	Index     int    `json:"index"`
	ValueSat  uint64 `json:"valueSat"`
	Value     string `json:"value"`
	ScriptHex string `json:"scriptPubKey,omitempty"`
	Address   string `json:"address,omitempty"`
}

// InputView renders one Input.
type InputView struct {
	PrevTxID    string `json:"prevTxId"`
	OutputIndex int    `json:"outputIndex"`
	ScriptHex   string `json:"scriptSig,omitempty"`
}

// TxView renders a search.Transaction.
type TxView struct {
	TxID          string       `json:"txid"`
	BlockHeight   int32        `json:"blockHeight"`
	OffsetInBlock int32        `json:"offsetInBlock"`
	Coinbase      bool         `json:"coinbase"`
	Fees          *int64       `json:"fees,omitempty"`
	Inputs        []InputView  `json:"vin"`
	Outputs       []OutputView `json:"vout"`
}

func renderAmount(sat uint64) string {
	v := uint256.NewInt(sat)
	whole := new(uint256.Int).Div(v, uint256.NewInt(satoshisPerBCH))
	frac := new(uint256.Int).Mod(v, uint256.NewInt(satoshisPerBCH))
	return whole.Dec() + "." + padFrac(frac.Dec())
}

func padFrac(s string) string {
	for len(s) < 8 {
		s = "0" + s
	}
	return s
}

func newTxView(hrp string, t *search.Transaction) TxView {
	v := TxView{
		TxID:          t.TxID.String(),
		BlockHeight:   t.BlockHeight,
		OffsetInBlock: t.OffsetInBlock,
		Coinbase:      t.IsCoinbase(),
	}
	if t.Fees >= 0 {
		f := t.Fees
		v.Fees = &f
	}
	for _, in := range t.Inputs {
		v.Inputs = append(v.Inputs, InputView{
			PrevTxID:    in.PrevTxID.String(),
			OutputIndex: in.OutIndex,
			ScriptHex:   hex.EncodeToString(in.InputScript),
		})
	}
	for _, out := range t.Outputs {
		ov := OutputView{
			Index:     out.Index,
			ValueSat:  out.Amount,
			Value:     renderAmount(out.Amount),
			ScriptHex: hex.EncodeToString(out.Script),
		}
		if len(out.Address) == wire.Hash160Size {
			var h wire.Hash160
			copy(h[:], out.Address)
			ov.Address = bchaddr.EncodeCashAddr(hrp, bchaddr.PubKeyHash, h)
		}
		v.Outputs = append(v.Outputs, ov)
	}
	return v
}
