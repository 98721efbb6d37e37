package auctionfeed

import (
	"bytes"
	"encoding/json"
)

// APIResponse represents one page of the auction inventory API.
type APIResponse struct {
	Data []RawCar `json:"data"`
	Meta PageMeta `json:"meta"`
}

type PageMeta struct {
	CurrentPage int `json:"current_page"`
	LastPage    int `json:"last_page"`
	PerPage     int `json:"per_page"`
	Total       int `json:"total"`
}

// RawCar is one untrusted feed record. The feed is duck-typed: numeric
// fields arrive as numbers or strings depending on the feed variant,
// and prices live on the car, the lot, or both.
type RawCar struct {
	ID           *int64     `json:"id"`
	Title        string     `json:"title"`
	VIN          string     `json:"vin"`
	Year         FlexNumber `json:"year"`
	Price        FlexNumber `json:"price"`
	Condition    string     `json:"condition"`
	Manufacturer *NamedRef  `json:"manufacturer"`
	Model        *NamedRef  `json:"model"`
	Color        *NamedRef  `json:"color"`
	Fuel         *NamedRef  `json:"fuel"`
	Transmission *NamedRef  `json:"transmission"`
	Lots         []RawLot   `json:"lots"`
}

type NamedRef struct {
	Name string `json:"name"`
}

type RawLot struct {
	Lot           FlexNumber `json:"lot"`
	BuyNow        FlexNumber `json:"buy_now"`
	FinalBid      FlexNumber `json:"final_bid"`
	Price         FlexNumber `json:"price"`
	Odometer      *Odometer  `json:"odometer"`
	Images        *Images    `json:"images"`
	Status        string     `json:"status"`
	KeysAvailable *bool      `json:"keys_available"`
	IsLive        *bool      `json:"is_live"`
}

type Odometer struct {
	KM FlexNumber `json:"km"`
	MI FlexNumber `json:"mi"`
}

type Images struct {
	Normal []string `json:"normal"`
	Big    []string `json:"big"`
}

// FlexNumber captures a feed numeric without committing to a type.
// The transformer applies lenient coercion to Raw.
type FlexNumber struct {
	Raw string
	Set bool
}

func (n *FlexNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*n = FlexNumber{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = FlexNumber{Raw: s, Set: s != ""}
		return nil
	}
	*n = FlexNumber{Raw: string(b), Set: true}
	return nil
}
