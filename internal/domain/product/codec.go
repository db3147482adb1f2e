package product

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// Decode reads a product object in the product API's JSON shape. Unknown
// fields are skipped.
func (p *Product) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			p.ID, err = d.Int64()
		case "title":
			p.Title, err = d.Str()
		case "price":
			p.Price, err = decodeDecimal(d)
		case "category":
			p.Category, err = d.Str()
		case "description":
			p.Description, err = d.Str()
		case "image":
			p.Image, err = d.Str()
		case "rating":
			err = p.Rating.Decode(d)
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "field %q", key)
		}
		return nil
	})
}

// Decode reads a rating object. A null rating leaves the zero value.
func (r *Rating) Decode(d *jx.Decoder) error {
	if d.Next() == jx.Null {
		return d.Null()
	}
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "rate":
			r.Rate, err = decodeDecimal(d)
		case "count":
			r.Count, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	})
}

// Encode writes the product in the same shape Decode accepts. Prices are
// written as JSON numbers without rounding.
func (p Product) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("id")
	e.Int64(p.ID)
	e.FieldStart("title")
	e.Str(p.Title)
	e.FieldStart("price")
	e.Num(jx.Num(p.Price.String()))
	e.FieldStart("description")
	e.Str(p.Description)
	e.FieldStart("category")
	e.Str(p.Category)
	e.FieldStart("image")
	e.Str(p.Image)
	if !p.Rating.Rate.IsZero() || p.Rating.Count != 0 {
		e.FieldStart("rating")
		e.ObjStart()
		e.FieldStart("rate")
		e.Num(jx.Num(p.Rating.Rate.String()))
		e.FieldStart("count")
		e.Int(p.Rating.Count)
		e.ObjEnd()
	}
	e.ObjEnd()
}

// DecodeList reads a JSON array of products and validates each entry.
func DecodeList(d *jx.Decoder) ([]Product, error) {
	var out []Product
	if err := d.Arr(func(d *jx.Decoder) error {
		var p Product
		if err := p.Decode(d); err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "decode products")
	}
	return out, nil
}

// EncodeList writes products as a JSON array. A nil slice is written as [].
func EncodeList(e *jx.Encoder, products []Product) {
	e.ArrStart()
	for _, p := range products {
		p.Encode(e)
	}
	e.ArrEnd()
}

// Validate checks the invariants the storefront relies on.
func (p *Product) Validate() error {
	if p.Price.IsNegative() {
		return errors.Errorf("product %d: negative price %s", p.ID, p.Price)
	}
	return nil
}

// decodeDecimal accepts both JSON numbers and numeric strings, so prices never
// pass through float64.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	case jx.Null:
		return decimal.Zero, d.Null()
	default:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	}
}
