package coordinator

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"traceline/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var jsonNames = map[string]string{
	"BatchNumber":   "batchNumber",
	"ProductName":   "productName",
	"Origin":        "origin",
	"Quantity":      "quantity",
	"Unit":          "unit",
	"TotalWeightKg": "totalWeightKg",
	"HarvestDate":   "harvestDate",
	"ExpiryDate":    "expiryDate",
}

const (
	maxTotalWeightKg = 1_000_000
	longShelfLife    = 365 * 24 * time.Hour
	shortShelfLife   = 24 * time.Hour
)

// ValidateMetadata checks the batch description before any ledger write.
// It returns the complete set of problems, and advisory warnings that do
// not block the request.
func ValidateMetadata(m domain.BatchMetadata, now time.Time) (warnings []string, err error) {
	var problems []string

	if verr := validate.Struct(m); verr != nil {
		for _, fe := range verr.(validator.ValidationErrors) {
			name := jsonNames[fe.StructField()]
			switch fe.Tag() {
			case "required":
				problems = append(problems, "missing required field: "+name)
			case "max":
				problems = append(problems, fmt.Sprintf("%s must be at most %s characters", name, fe.Param()))
			default:
				problems = append(problems, fmt.Sprintf("%s is invalid", name))
			}
		}
	}

	qty, qtyErr := strconv.ParseFloat(m.Quantity, 64)
	if m.Quantity != "" && (qtyErr != nil || qty <= 0) {
		problems = append(problems, "quantity must be a positive number")
	}

	if m.TotalWeightKg != nil && (*m.TotalWeightKg < 0 || *m.TotalWeightKg > maxTotalWeightKg) {
		problems = append(problems, fmt.Sprintf("totalWeightKg must be between 0 and %d", maxTotalWeightKg))
	}

	var harvest, expiry time.Time
	if m.HarvestDate != "" {
		t, perr := time.Parse("2006-01-02", m.HarvestDate)
		switch {
		case perr != nil:
			problems = append(problems, "harvestDate must be formatted YYYY-MM-DD")
		case t.After(now):
			problems = append(problems, "harvestDate cannot be in the future")
		case t.Year() < 2000:
			problems = append(problems, "harvestDate is implausibly old")
		default:
			harvest = t
		}
	}
	if m.ExpiryDate != "" {
		t, perr := time.Parse("2006-01-02", m.ExpiryDate)
		switch {
		case perr != nil:
			problems = append(problems, "expiryDate must be formatted YYYY-MM-DD")
		case t.Before(now):
			problems = append(problems, "expiryDate must be in the future")
		case !harvest.IsZero() && !t.After(harvest):
			problems = append(problems, "expiryDate must be after harvestDate")
		default:
			expiry = t
		}
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	if !harvest.IsZero() && !expiry.IsZero() {
		shelf := expiry.Sub(harvest)
		if shelf > longShelfLife {
			warnings = append(warnings, "shelf life exceeds one year; double-check expiryDate")
		} else if shelf < shortShelfLife {
			warnings = append(warnings, "shelf life is under one day; double-check expiryDate")
		}
	}
	if m.Unit == "kg" && m.TotalWeightKg != nil && qtyErr == nil && *m.TotalWeightKg > 0 {
		diff := math.Abs(qty - float64(*m.TotalWeightKg))
		if diff > 0.1*float64(*m.TotalWeightKg) {
			warnings = append(warnings, "quantity and totalWeightKg differ by more than 10%")
		}
	}
	return warnings, nil
}
