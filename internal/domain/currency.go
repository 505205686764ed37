package domain

import "strings"

type Currency string

const (
	CurrencyKZT Currency = "KZT"
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyRUB Currency = "RUB"
)

// numeric ISO 4217 codes used by the gateway documents
var currencyCodes = map[Currency]string{
	CurrencyKZT: "398",
	CurrencyUSD: "840",
	CurrencyEUR: "978",
	CurrencyRUB: "643",
}

func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := currencyCodes[c]; !ok {
		return "", Errorf(CodeIllegalArgument, "unsupported currency %q", s)
	}
	return c, nil
}

func (c Currency) Valid() bool {
	_, ok := currencyCodes[c]
	return ok
}

// NumericCode returns the ISO 4217 numeric code, "" when unsupported.
func (c Currency) NumericCode() string {
	return currencyCodes[c]
}

// CurrencyByNumericCode is the inverse of NumericCode.
func CurrencyByNumericCode(code string) (Currency, bool) {
	for c, n := range currencyCodes {
		if n == code {
			return c, true
		}
	}
	return "", false
}

// Language is a consumer language tag (ru, en, kk).
type Language string

const (
	LanguageRussian Language = "ru"
	LanguageEnglish Language = "en"
	LanguageKazakh  Language = "kk"
)

var gatewayLanguages = map[Language]string{
	LanguageRussian: "rus",
	LanguageEnglish: "eng",
	LanguageKazakh:  "kaz",
}

func ParseLanguage(s string) (Language, error) {
	if s == "" {
		return LanguageRussian, nil
	}
	l := Language(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := gatewayLanguages[l]; !ok {
		return "", Errorf(CodeIllegalArgument, "unsupported language %q", s)
	}
	return l, nil
}

// GatewayTag is the language value understood by the gateway payment page.
func (l Language) GatewayTag() string {
	if tag, ok := gatewayLanguages[l]; ok {
		return tag
	}
	return gatewayLanguages[LanguageRussian]
}

func (l Language) Tag() string {
	if l == "" {
		return string(LanguageRussian)
	}
	return string(l)
}
