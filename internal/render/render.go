// Package render substitutes cart values into recovery message templates.
//
// Free-form templates use named tokens ({{nome}}, {{produtos}}, {{link}}, {{total}}); provider
// templates use positional {{1}}..{{4}} in that same order. Each grammar is recognized only on
// its own channel; anything else is left as written.
package render

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/jmehdipour/cart-recovery/internal/model"
)

const (
	KeyName     = "nome"
	KeyProducts = "produtos"
	KeyLink     = "link"
	KeyTotal    = "total"
)

// fallbackName is used when the storefront did not send a customer name.
const fallbackName = "cliente"

var tokenRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Values are the four substitutable cart facts.
type Values struct {
	Name     string
	Products string
	Link     string
	Total    string
}

func ValuesFor(c *model.AbandonedCart) Values {
	name := strings.TrimSpace(c.CustomerName)
	if name == "" {
		name = fallbackName
	}
	return Values{
		Name:     name,
		Products: ProductSummary(c.Items),
		Link:     c.CartURL,
		Total:    BRL(c.TotalValue),
	}
}

// Positional returns the provider template parameters in their fixed order.
func (v Values) Positional() []string {
	return []string{v.Name, v.Products, v.Link, v.Total}
}

func (v Values) named(token string) (string, bool) {
	switch token {
	case KeyName:
		return v.Name, true
	case KeyProducts:
		return v.Products, true
	case KeyLink:
		return v.Link, true
	case KeyTotal:
		return v.Total, true
	}
	return "", false
}

func (v Values) positional(token string) (string, bool) {
	switch token {
	case "1":
		return v.Name, true
	case "2":
		return v.Products, true
	case "3":
		return v.Link, true
	case "4":
		return v.Total, true
	}
	return "", false
}

func substitute(tmpl string, lookup func(string) (string, bool)) string {
	return tokenRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		if s, ok := lookup(tokenRe.FindStringSubmatch(m)[1]); ok {
			return s
		}
		return m
	})
}

// Text substitutes the named tokens of a free-form template.
func Text(tmpl string, v Values) string {
	return substitute(tmpl, v.named)
}

// PositionalText substitutes {{1}}..{{4}} of a provider template.
func PositionalText(tmpl string, v Values) string {
	return substitute(tmpl, v.positional)
}

// For renders tmpl with the grammar of channel ch.
func For(ch model.Channel, tmpl string, v Values) string {
	if ch == model.ChannelOfficial {
		return PositionalText(tmpl, v)
	}
	return Text(tmpl, v)
}

// HasPlaceholder reports whether tmpl contains any {{token}}.
func HasPlaceholder(tmpl string) bool {
	return tokenRe.MatchString(tmpl)
}

// ProductSummary names the cart contents in one short phrase.
func ProductSummary(items model.CartItems) string {
	switch len(items) {
	case 0:
		return "seus produtos"
	case 1:
		return items[0].Name
	}
	rest := len(items) - 1
	noun := "item"
	if rest > 1 {
		noun = "itens"
	}
	return fmt.Sprintf("%s e mais %d %s", items[0].Name, rest, noun)
}

// BRL formats v as Brazilian reais, e.g. "R$ 1.234,56".
func BRL(v float64) string {
	d := decimal.NewFromFloat(v).Round(2)
	sign := ""
	if d.Sign() < 0 {
		sign = "-"
		d = d.Abs()
	}
	whole, frac, _ := strings.Cut(d.StringFixed(2), ".")

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	return sign + "R$ " + b.String() + "," + frac
}
