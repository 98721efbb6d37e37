// Package transform converts raw auction feed records into canonical
// listings. It is pure: no I/O, and validation failures come back as a
// list of human-readable errors so callers can aggregate per batch.
package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"carsync/internal/domain"
	"carsync/internal/source/auctionfeed"
)

const (
	MinYear    = 1900
	MaxPrice   = 10_000_000
	MaxMileage = 1_000_000
)

// Transform validates one raw record and derives the canonical
// listing. On validation failure it returns nil plus the errors; a
// partial listing is never produced.
func Transform(raw auctionfeed.RawCar, now time.Time) (*domain.Listing, []string) {
	var errs []string

	if raw.ID == nil {
		errs = append(errs, "Missing car ID")
	}

	makeName := refName(raw.Manufacturer)
	if makeName == "" {
		errs = append(errs, "Missing manufacturer name")
	}
	modelName := refName(raw.Model)
	if modelName == "" {
		errs = append(errs, "Missing model name")
	}

	year := int(LenientInt(raw.Year))
	if year < MinYear || year > now.Year()+2 {
		errs = append(errs, fmt.Sprintf("Invalid year: %d", year))
	}

	price := derivePrice(raw)
	if price > MaxPrice {
		errs = append(errs, fmt.Sprintf("Invalid price: %d", price))
	}

	mileage := deriveMileage(raw)
	if mileage > MaxMileage {
		errs = append(errs, fmt.Sprintf("Invalid mileage: %d", mileage))
	}

	if len(errs) > 0 {
		return nil, errs
	}

	lot := primaryLot(raw)

	listing := &domain.Listing{
		ExternalID:   *raw.ID,
		Make:         makeName,
		Model:        modelName,
		Year:         year,
		Price:        price,
		Mileage:      mileage,
		Title:        raw.Title,
		VIN:          raw.VIN,
		Color:        refName(raw.Color),
		Fuel:         refName(raw.Fuel),
		Transmission: refName(raw.Transmission),
		Condition:    domain.ParseCondition(raw.Condition),
		Status:       domain.StatusActive,
		IsActive:     true,
		LastSyncedAt: now,
	}

	if lot != nil {
		listing.LotNumber = strings.TrimSpace(lot.Lot.Raw)
		if lot.KeysAvailable != nil {
			listing.KeysAvailable = *lot.KeysAvailable
		}
		if lot.IsLive != nil {
			listing.IsLive = *lot.IsLive
		}
		if strings.EqualFold(lot.Status, "sold") {
			listing.Status = domain.StatusSold
		}
		listing.Images = lotImages(lot)
		if len(listing.Images) > 0 {
			listing.ImageURL = listing.Images[0]
		}
	}

	listing.ContentHash = ContentHash(listing)

	return listing, nil
}

// LenientInt coerces a feed numeric: non-numeric characters are
// stripped and anything unparsable falls back to 0. Callers must not
// treat the 0 fallback as a valid zero for prices.
func LenientInt(n auctionfeed.FlexNumber) int64 {
	if !n.Set {
		return 0
	}
	var b strings.Builder
	for _, r := range n.Raw {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return 0
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return int64(f)
}

// derivePrice picks the listing price by priority: the greater of the
// lot's buy-now and final-bid, then the lot price, then the car-level
// price. Never negative.
func derivePrice(raw auctionfeed.RawCar) int64 {
	lot := primaryLot(raw)

	var price int64
	if lot != nil {
		buyNow := LenientInt(lot.BuyNow)
		finalBid := LenientInt(lot.FinalBid)
		price = buyNow
		if finalBid > price {
			price = finalBid
		}
		if price == 0 {
			price = LenientInt(lot.Price)
		}
	}
	if price == 0 {
		price = LenientInt(raw.Price)
	}
	if price < 0 {
		price = 0
	}
	return price
}

func deriveMileage(raw auctionfeed.RawCar) int {
	lot := primaryLot(raw)
	if lot == nil || lot.Odometer == nil {
		return 0
	}
	km := LenientInt(lot.Odometer.KM)
	if km > 0 {
		return int(km)
	}
	mi := LenientInt(lot.Odometer.MI)
	return int(float64(mi) * 1.60934)
}

func primaryLot(raw auctionfeed.RawCar) *auctionfeed.RawLot {
	if len(raw.Lots) == 0 {
		return nil
	}
	return &raw.Lots[0]
}

func lotImages(lot *auctionfeed.RawLot) []string {
	if lot.Images == nil {
		return nil
	}
	if len(lot.Images.Normal) > 0 {
		return lot.Images.Normal
	}
	return lot.Images.Big
}

func refName(ref *auctionfeed.NamedRef) string {
	if ref == nil {
		return ""
	}
	return strings.TrimSpace(ref.Name)
}
