package sequence

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/nesting_backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBCounter keeps counters in the sequence_counters table.
// The UPDATE ... value = value + 1 holds the row lock until commit, so concurrent
// instances never observe the same value.
type DBCounter struct {
	DB *gorm.DB
}

func NewDBCounter(db *gorm.DB) *DBCounter {
	return &DBCounter{DB: db}
}

func (c *DBCounter) Increment(ctx context.Context, name string) (int64, error) {
	var value int64
	err := c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for attempt := 0; attempt < 2; attempt++ {
			res := tx.Model(&models.SequenceCounter{}).
				Where("name = ?", name).
				Update("value", gorm.Expr("value + 1"))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				var row models.SequenceCounter
				if err := tx.Where("name = ?", name).Take(&row).Error; err != nil {
					return err
				}
				value = row.Value
				return nil
			}

			// First use of this prefix. Losing the insert race just means another
			// instance created the row; the next UPDATE picks it up.
			ins := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&models.SequenceCounter{Name: name, Value: 1})
			if ins.Error != nil {
				return ins.Error
			}
			if ins.RowsAffected > 0 {
				value = 1
				return nil
			}
		}
		return errors.New("sequence counter row could not be created")
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}

// Current returns the last issued value, 0 when the prefix was never used.
func (c *DBCounter) Current(ctx context.Context, name string) (int64, error) {
	var row models.SequenceCounter
	err := c.DB.WithContext(ctx).Where("name = ?", name).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Value, nil
}

// Advance raises the stored value to at least value. It never lowers it, so a late
// write from a slower instance cannot roll the counter back.
func (c *DBCounter) Advance(ctx context.Context, name string, value int64) error {
	return c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ins := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.SequenceCounter{Name: name, Value: value})
		if ins.Error != nil {
			return ins.Error
		}
		if ins.RowsAffected > 0 {
			return nil
		}
		return tx.Model(&models.SequenceCounter{}).
			Where("name = ? AND value < ?", name, value).
			Update("value", value).Error
	})
}
