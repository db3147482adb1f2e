package cart

import (
	"io"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// Encode serializes line items as [{"product":{...},"quantity":n}].
func Encode(items []LineItem) []byte {
	var e jx.Encoder
	EncodeItems(&e, items)
	return e.Bytes()
}

// EncodeItems writes line items to e.
func EncodeItems(e *jx.Encoder, items []LineItem) {
	e.ArrStart()
	for _, li := range items {
		e.ObjStart()
		e.FieldStart("product")
		li.Product.Encode(e)
		e.FieldStart("quantity")
		e.Int(li.Quantity)
		e.ObjEnd()
	}
	e.ArrEnd()
}

// Decode parses the output of Encode. It does not enforce cart invariants;
// see normalize.
func Decode(data []byte) ([]LineItem, error) {
	var items []LineItem
	d := jx.DecodeBytes(data)
	if err := d.Arr(func(d *jx.Decoder) error {
		var li LineItem
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			switch key {
			case "product":
				return li.Product.Decode(d)
			case "quantity":
				q, err := d.Int()
				li.Quantity = q
				return err
			default:
				return d.Skip()
			}
		}); err != nil {
			return err
		}
		items = append(items, li)
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "decode cart")
	}
	if err := d.Skip(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode cart: unexpected data after array")
	}
	return items, nil
}

// normalize enforces the cart invariants on restored data: non-positive
// quantities are dropped and duplicate products are merged into the first
// occurrence.
func normalize(items []LineItem) []LineItem {
	out := make([]LineItem, 0, len(items))
	seen := make(map[int64]int, len(items))
	for _, li := range items {
		if li.Quantity < 1 {
			continue
		}
		if i, ok := seen[li.Product.ID]; ok {
			out[i].Quantity = addQuantity(out[i].Quantity, li.Quantity)
			continue
		}
		seen[li.Product.ID] = len(out)
		out = append(out, li)
	}
	return out
}
