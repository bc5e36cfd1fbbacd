package httpapi

import (
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-cart/internal/domain/cart"
	"github.com/xenking/kart-cart/internal/domain/product"
)

type addItemRequest struct {
	Product  product.Product
	Color    string
	Size     string
	Quantity int
}

// decodeAddItem parses
//
//	{"product":{"id","title","price","discountPrice","thumbnail","category"},
//	 "color","size","quantity"}
//
// A missing quantity means one unit.
func decodeAddItem(data []byte) (addItemRequest, error) {
	req := addItemRequest{Quantity: 1}
	var hasProduct bool
	if err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "product":
			hasProduct = true
			req.Product, err = decodeProduct(d)
		case "color":
			req.Color, err = decodeOptionalStr(d)
		case "size":
			req.Size, err = decodeOptionalStr(d)
		case "quantity":
			req.Quantity, err = d.Int()
		default:
			return d.Skip()
		}
		return errors.Wrap(err, key)
	}); err != nil {
		return req, err
	}
	if !hasProduct {
		return req, errors.New("product is missing")
	}
	return req, nil
}

func decodeProduct(d *jx.Decoder) (product.Product, error) {
	var p product.Product
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id", "_id":
			p.ID, err = decodeOptionalStr(d)
		case "title":
			p.Title, err = decodeOptionalStr(d)
		case "price":
			p.Price, err = decodeDecimal(d)
		case "discountPrice":
			if d.Next() == jx.Null {
				return d.Null()
			}
			p.DiscountPrice.Decimal, err = decodeDecimal(d)
			p.DiscountPrice.Valid = err == nil
		case "thumbnail":
			p.Thumbnail, err = decodeOptionalStr(d)
		case "category", "mainCategory":
			p.Category, err = decodeOptionalStr(d)
		default:
			return d.Skip()
		}
		return errors.Wrap(err, key)
	})
	return p, err
}

func decodeQuantity(data []byte) (int, error) {
	var (
		qty int
		ok  bool
	)
	if err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		if key != "quantity" {
			return d.Skip()
		}
		ok = true
		var err error
		qty, err = d.Int()
		return errors.Wrap(err, key)
	}); err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.New("quantity is missing")
	}
	return qty, nil
}

func decodeCode(data []byte) (string, error) {
	var code string
	if err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		if key != "code" {
			return d.Skip()
		}
		var err error
		code, err = decodeOptionalStr(d)
		return errors.Wrap(err, key)
	}); err != nil {
		return "", err
	}
	return code, nil
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(strings.TrimSpace(s))
	default:
		return decimal.Zero, errors.Errorf("unexpected %s", d.Next())
	}
}

func decodeOptionalStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

func encodeSnapshot(e *jx.Encoder, s cart.Snapshot) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, it := range s.Items {
					encodeItem(e, it)
				}
			})
		})
		e.Field("promo", func(e *jx.Encoder) { encodePromo(e, s.Promo) })
		e.Field("totals", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("subtotal", money(s.Totals.Subtotal))
				e.Field("discount", money(s.Totals.Discount))
				e.Field("shipping", money(s.Totals.Shipping))
				e.Field("total", money(s.Totals.Total))
			})
		})
		e.Field("validating", func(e *jx.Encoder) { e.Bool(s.Validating) })
		e.Field("unsynced", func(e *jx.Encoder) { e.Bool(s.Unsynced) })
		e.Field("version", func(e *jx.Encoder) { e.UInt64(s.Version) })
	})
}

func encodeItem(e *jx.Encoder, it cart.Item) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(it.ID) })
		e.Field("productId", func(e *jx.Encoder) { e.Str(it.ProductID) })
		e.Field("title", func(e *jx.Encoder) { e.Str(it.Title) })
		e.Field("color", func(e *jx.Encoder) { e.Str(it.Color) })
		e.Field("size", func(e *jx.Encoder) { e.Str(it.Size) })
		e.Field("price", number(it.Price))
		e.Field("discountPrice", func(e *jx.Encoder) {
			if !it.DiscountPrice.Valid {
				e.Null()
				return
			}
			e.RawStr(it.DiscountPrice.Decimal.String())
		})
		e.Field("unitPrice", number(it.UnitPrice()))
		e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
		e.Field("thumbnail", func(e *jx.Encoder) { e.Str(it.Thumbnail) })
		e.Field("category", func(e *jx.Encoder) { e.Str(it.Category) })
	})
}

func encodePromo(e *jx.Encoder, p cart.Promo) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("applied", func(e *jx.Encoder) { e.Bool(p.Applied) })
		if p.Code != "" {
			e.Field("code", func(e *jx.Encoder) { e.Str(p.Code) })
		}
		if c := p.Coupon; c != nil {
			e.Field("value", number(c.Value))
			if c.Description != "" {
				e.Field("description", func(e *jx.Encoder) { e.Str(c.Description) })
			}
		}
	})
}

func number(d decimal.Decimal) func(*jx.Encoder) {
	return func(e *jx.Encoder) { e.RawStr(d.String()) }
}

// money renders amounts with exactly two decimals.
func money(d decimal.Decimal) func(*jx.Encoder) {
	return func(e *jx.Encoder) { e.RawStr(d.StringFixed(2)) }
}
