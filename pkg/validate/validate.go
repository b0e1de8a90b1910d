package validate

import (
	stderrors "errors"
	"math"
	"regexp"
	"strings"

	commonerrors "github.com/exchange/spotbot/pkg/errors"
)

var (
	symbolRe        = regexp.MustCompile(`^[A-Z0-9]{5,20}$`)
	clientOrderIDRe = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,36}$`)
	workspaceRe     = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// Symbol 校验现货交易对（如 BTCUSDT）
func Symbol(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return commonerrors.New(commonerrors.CodeInvalidSymbol, "symbol is required")
	}
	if !symbolRe.MatchString(s) {
		return commonerrors.Newf(commonerrors.CodeInvalidSymbol, "invalid symbol: %q (expected uppercase BASEQUOTE, length 5-20)", s)
	}
	return nil
}

// Side 校验订单方向
func Side(s string) error {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "SELL":
		return nil
	default:
		return commonerrors.Newf(commonerrors.CodeInvalidSide, "invalid side: %q (expected BUY or SELL)", s)
	}
}

// OrderType 校验订单类型
func OrderType(s string) error {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LIMIT", "MARKET", "LIMIT_MAKER":
		return nil
	default:
		return commonerrors.Newf(commonerrors.CodeInvalidOrderType, "invalid order type: %q (expected LIMIT, LIMIT_MAKER or MARKET)", s)
	}
}

// TimeInForce 校验有效期类型，空值允许
func TimeInForce(s string) error {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "GTC", "IOC", "FOK":
		return nil
	default:
		return commonerrors.Newf(commonerrors.CodeInvalidTimeInForce, "invalid timeInForce: %q (expected GTC/IOC/FOK)", s)
	}
}

// Price 校验价格（必须为有限正数）
func Price(price float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return commonerrors.Newf(commonerrors.CodeInvalidPrice, "invalid price: %v (must be > 0)", price)
	}
	return nil
}

// Quantity 校验数量（必须为有限正数）
func Quantity(qty float64) error {
	if math.IsNaN(qty) || math.IsInf(qty, 0) || qty <= 0 {
		return commonerrors.Newf(commonerrors.CodeInvalidQuantity, "invalid quantity: %v (must be > 0)", qty)
	}
	return nil
}

// ClientOrderID 校验客户端订单ID
func ClientOrderID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return commonerrors.New(commonerrors.CodeInvalidParam, "clientOrderId is required")
	}
	if !clientOrderIDRe.MatchString(id) {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid clientOrderId: %q (expected 1-36 chars)", id)
	}
	return nil
}

// Workspace 校验 workspace id
func Workspace(ws string) error {
	if !workspaceRe.MatchString(ws) {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid workspace: %q", ws)
	}
	return nil
}

type ValidationError struct {
	Field   string
	Code    commonerrors.Code
	Message string
}

// Validator collects field errors in order.
type Validator struct {
	errors []ValidationError
}

func New() *Validator {
	return &Validator{}
}

func (v *Validator) add(field string, err error) *Validator {
	if err == nil {
		return v
	}
	var ce *commonerrors.Error
	if ok := stderrors.As(err, &ce); ok && ce != nil {
		v.errors = append(v.errors, ValidationError{Field: field, Code: ce.Code, Message: ce.Message})
		return v
	}
	v.errors = append(v.errors, ValidationError{Field: field, Code: commonerrors.CodeInvalidParam, Message: err.Error()})
	return v
}

func (v *Validator) Symbol(field, value string) *Validator {
	return v.add(field, Symbol(value))
}

func (v *Validator) Workspace(field, value string) *Validator {
	return v.add(field, Workspace(value))
}

func (v *Validator) Side(field, value string) *Validator {
	return v.add(field, Side(value))
}

func (v *Validator) Quantity(field string, value float64) *Validator {
	return v.add(field, Quantity(value))
}

// PriceIfSet 只在 price != 0 时校验
func (v *Validator) PriceIfSet(field string, value float64) *Validator {
	if value == 0 {
		return v
	}
	return v.add(field, Price(value))
}

func (v *Validator) Required(field, value string) *Validator {
	if strings.TrimSpace(value) == "" {
		return v.add(field, commonerrors.Newf(commonerrors.CodeInvalidParam, "%s is required", field))
	}
	return v
}

func (v *Validator) Errors() []ValidationError {
	out := make([]ValidationError, len(v.errors))
	copy(out, v.errors)
	return out
}

func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Err 返回第一个错误，没有时返回 nil
func (v *Validator) Err() error {
	if len(v.errors) == 0 {
		return nil
	}
	first := v.errors[0]
	return commonerrors.Newf(first.Code, "%s: %s", first.Field, first.Message)
}
