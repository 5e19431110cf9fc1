package possync

import (
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"github.com/toyiyo/nimble-pnl-sub020/models"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// BeginIdempotency inserts STARTED. If SUCCEEDED exists, returns (true, nil)
// meaning "skip safely": the delivery was already fully processed.
func BeginIdempotency(tx *gorm.DB, restaurantId, handlerName, messageId string) (skip bool, err error) {
	key := models.IdempotencyKey{
		RestaurantId: restaurantId,
		HandlerName:  handlerName,
		MessageId:    messageId,
		Status:       models.IdempotencyStatusStarted,
	}
	if err := tx.Create(&key).Error; err == nil {
		return false, nil
	} else if !isDuplicateKeyErr(err) {
		return false, err
	}

	var existing models.IdempotencyKey
	if err := tx.Where("restaurant_id = ? AND handler_name = ? AND message_id = ?", restaurantId, handlerName, messageId).
		First(&existing).Error; err != nil {
		return false, err
	}

	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return true, nil
	case models.IdempotencyStatusStarted:
		// Another worker may still be processing; ask the sender to retry.
		// A stale STARTED row is reclaimed.
		if time.Since(existing.UpdatedAt) < 5*time.Minute {
			return false, ErrIdempotencyInProgress
		}
		fallthrough
	default:
		return false, tx.Model(&models.IdempotencyKey{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
	}
}

func MarkIdempotencySucceeded(tx *gorm.DB, restaurantId, handlerName, messageId string) error {
	return tx.Model(&models.IdempotencyKey{}).
		Where("restaurant_id = ? AND handler_name = ? AND message_id = ?", restaurantId, handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "last_error": nil}).Error
}

func MarkIdempotencyFailed(tx *gorm.DB, restaurantId, handlerName, messageId string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return tx.Model(&models.IdempotencyKey{}).
		Where("restaurant_id = ? AND handler_name = ? AND message_id = ?", restaurantId, handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}).Error
}
