package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"llm_router/internal/models"
)

// reserveScript checks every existing budget row of the tenant and, only if all
// enforced rows have headroom, increments their reserved counters and writes the
// reservation record.
//
// KEYS: budget rows..., reservation key, expiry index
// ARGV: amount, reservation id, created_ms, expires_ms, tenant, record ttl ms
var reserveScript = redis.NewScript(`
local n = #KEYS - 2
local amount = tonumber(ARGV[1])
local held = {}
for i = 1, n do
	if redis.call('EXISTS', KEYS[i]) == 1 then
		local v = redis.call('HMGET', KEYS[i], 'limit', 'committed', 'reserved', 'enforce')
		local limit = tonumber(v[1] or '0')
		local committed = tonumber(v[2] or '0')
		local reserved = tonumber(v[3] or '0')
		if v[4] == '1' and committed + reserved + amount > limit then
			return {0, KEYS[i]}
		end
		table.insert(held, KEYS[i])
	end
end
if #held == 0 then
	return {-1, ''}
end
local res = KEYS[n + 1]
for _, k in ipairs(held) do
	redis.call('HINCRBY', k, 'reserved', amount)
	redis.call('HSET', res, 'epoch:' .. k, redis.call('HGET', k, 'epoch') or '0')
end
redis.call('HSET', res,
	'tenant', ARGV[5],
	'amount', amount,
	'budgets', table.concat(held, ','),
	'created_ms', ARGV[3],
	'expires_ms', ARGV[4],
	'state', 'held')
redis.call('PEXPIRE', res, ARGV[6])
redis.call('ZADD', KEYS[n + 2], ARGV[4], ARGV[2])
return {1, table.concat(held, ',')}
`)

// finalizeScript commits or releases a held reservation exactly once. A hold
// expired by the sweep accepts one late commit, which charges without touching
// reserved.
//
// KEYS: reservation key, expiry index, budget rows...
// ARGV: actual amount, final state, reservation id, retention ms
var finalizeScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return -1
end
local held = state == 'held'
if not held and not (state == 'expired' and ARGV[2] == 'committed') then
	return 0
end
local amount = tonumber(redis.call('HGET', KEYS[1], 'amount'))
local actual = tonumber(ARGV[1])
for i = 3, #KEYS do
	if redis.call('EXISTS', KEYS[i]) == 1 then
		if held and (redis.call('HGET', KEYS[i], 'epoch') or '0') == redis.call('HGET', KEYS[1], 'epoch:' .. KEYS[i]) then
			redis.call('HINCRBY', KEYS[i], 'reserved', -amount)
		end
		if actual > 0 then
			redis.call('HINCRBY', KEYS[i], 'committed', actual)
		end
	end
end
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'actual', actual)
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('ZREM', KEYS[2], ARGV[3])
return 1
`)

// thresholdScript flips the alerted flag on rows whose committed spend crossed
// the threshold and returns key, committed, limit triples for each.
var thresholdScript = redis.NewScript(`
local out = {}
for i = 1, #KEYS do
	if redis.call('EXISTS', KEYS[i]) == 1 then
		local v = redis.call('HMGET', KEYS[i], 'limit', 'committed', 'threshold', 'alerted')
		local limit = tonumber(v[1] or '0')
		local committed = tonumber(v[2] or '0')
		local threshold = tonumber(v[3] or '0')
		if v[4] ~= '1' and limit > 0 and threshold > 0 and committed * 100 >= limit * threshold then
			redis.call('HSET', KEYS[i], 'alerted', 1)
			table.insert(out, KEYS[i])
			table.insert(out, committed)
			table.insert(out, limit)
		end
	end
end
return out
`)

// upsertScript sets budget settings and initializes counters on first write.
var upsertScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'limit', ARGV[1], 'enforce', ARGV[2], 'threshold', ARGV[3])
redis.call('HSETNX', KEYS[1], 'committed', 0)
redis.call('HSETNX', KEYS[1], 'reserved', 0)
redis.call('HSETNX', KEYS[1], 'alerted', 0)
redis.call('HSETNX', KEYS[1], 'epoch', 0)
redis.call('HSETNX', KEYS[1], 'period_start', ARGV[4])
return 1
`)

// resetScript starts a new period on one budget row. The epoch bump makes
// holds taken before the reset finalize without touching the new counters.
var resetScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'committed', 0, 'reserved', 0, 'alerted', 0, 'period_start', ARGV[1])
redis.call('HINCRBY', KEYS[1], 'epoch', 1)
return 1
`)

// RedisLedger implements Ledger on Redis with one Lua script per mutation
type RedisLedger struct {
	client *redis.Client
	config Config
}

// NewRedisLedger creates a Redis-backed ledger on an existing client
func NewRedisLedger(client *redis.Client, config Config) *RedisLedger {
	return &RedisLedger{
		client: client,
		config: config.withDefaults(),
	}
}

func (l *RedisLedger) budgetKey(tenantID string, period models.Period) string {
	return fmt.Sprintf("%s:budget:%s:%s", l.config.KeyPrefix, tenantID, period)
}

func (l *RedisLedger) reservationKey(id string) string {
	return fmt.Sprintf("%s:reservation:%s", l.config.KeyPrefix, id)
}

func (l *RedisLedger) expiryKey() string {
	return l.config.KeyPrefix + ":reservations:expiry"
}

func (l *RedisLedger) tenantKeys(tenantID string) []string {
	keys := make([]string, 0, len(models.Periods))
	for _, p := range models.Periods {
		keys = append(keys, l.budgetKey(tenantID, p))
	}
	return keys
}

func periodFromKey(key string) models.Period {
	return models.Period(key[strings.LastIndex(key, ":")+1:])
}

// Reserve holds amount against every budget row of the tenant
func (l *RedisLedger) Reserve(ctx context.Context, tenantID string, amount float64) (*models.Reservation, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	micros := toMicros(amount)
	now := l.config.Now()
	expires := now.Add(l.config.ReservationTTL)
	id := uuid.NewString()

	keys := append(l.tenantKeys(tenantID), l.reservationKey(id), l.expiryKey())
	recordTTL := l.config.ReservationTTL + l.config.FinalizedRetention

	result, err := reserveScript.Run(ctx, l.client, keys,
		micros, id, now.UnixMilli(), expires.UnixMilli(), tenantID, recordTTL.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to run reserve script: %w", err)
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected reserve script reply: %v", result)
	}

	status, _ := result[0].(int64)
	detail, _ := result[1].(string)
	switch status {
	case -1:
		return nil, ErrTenantNotFound
	case 0:
		return nil, &BudgetExceededError{TenantID: tenantID, Period: periodFromKey(detail), Requested: amount}
	}

	var periods []models.Period
	for _, key := range strings.Split(detail, ",") {
		periods = append(periods, periodFromKey(key))
	}

	return &models.Reservation{
		ID:        id,
		TenantID:  tenantID,
		Estimated: fromMicros(micros),
		Periods:   periods,
		CreatedAt: now,
		ExpiresAt: expires,
		State:     models.ReservationHeld,
	}, nil
}

// Commit converts a held reservation into committed spend of actual
func (l *RedisLedger) Commit(ctx context.Context, reservationID string, actual float64) error {
	if actual < 0 {
		return ErrInvalidAmount
	}
	return l.finalize(ctx, reservationID, toMicros(actual), models.ReservationCommitted)
}

// Release returns a held reservation to the budget
func (l *RedisLedger) Release(ctx context.Context, reservationID string) error {
	return l.finalize(ctx, reservationID, 0, models.ReservationReleased)
}

func (l *RedisLedger) finalize(ctx context.Context, reservationID string, actual int64, state models.ReservationState) error {
	resKey := l.reservationKey(reservationID)

	// The budget list is written once at reserve time, so reading it outside the script is safe.
	budgets, err := l.client.HGet(ctx, resKey, "budgets").Result()
	if errors.Is(err, redis.Nil) {
		return ErrReservationNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load reservation: %w", err)
	}

	keys := []string{resKey, l.expiryKey()}
	if budgets != "" {
		keys = append(keys, strings.Split(budgets, ",")...)
	}

	status, err := finalizeScript.Run(ctx, l.client, keys,
		actual, string(state), reservationID, l.config.FinalizedRetention.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to run finalize script: %w", err)
	}

	switch status {
	case -1:
		return ErrReservationNotFound
	case 0:
		return ErrAlreadyFinalized
	}
	return nil
}

// CheckThreshold reports threshold crossings not yet alerted in the current period
func (l *RedisLedger) CheckThreshold(ctx context.Context, tenantID string) ([]models.ThresholdEvent, error) {
	result, err := thresholdScript.Run(ctx, l.client, l.tenantKeys(tenantID)).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to run threshold script: %w", err)
	}

	var events []models.ThresholdEvent
	now := l.config.Now()
	for i := 0; i+2 < len(result); i += 3 {
		key, _ := result[i].(string)
		committed, _ := result[i+1].(int64)
		limit, _ := result[i+2].(int64)
		events = append(events, thresholdEvent(tenantID, periodFromKey(key), committed, limit, now))
	}
	return events, nil
}

// SweepExpired releases every held reservation whose TTL elapsed at now
func (l *RedisLedger) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := l.client.ZRangeByScore(ctx, l.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired reservations: %w", err)
	}

	released := 0
	for _, id := range ids {
		err := l.finalize(ctx, id, 0, models.ReservationExpired)
		switch {
		case err == nil:
			released++
		case errors.Is(err, ErrAlreadyFinalized), errors.Is(err, ErrReservationNotFound):
			// Finalized concurrently or the record aged out; drop the stale index entry.
			if err := l.client.ZRem(ctx, l.expiryKey(), id).Err(); err != nil {
				return released, fmt.Errorf("failed to prune expiry index: %w", err)
			}
		default:
			return released, err
		}
	}
	return released, nil
}

// UpsertBudget creates a budget row or updates its settings, leaving counters alone
func (l *RedisLedger) UpsertBudget(ctx context.Context, budget models.TenantBudget) error {
	if err := budget.Validate(); err != nil {
		return err
	}

	enforce := 0
	if budget.Enforce {
		enforce = 1
	}
	err := upsertScript.Run(ctx, l.client, []string{l.budgetKey(budget.TenantID, budget.Period)},
		toMicros(budget.Limit),
		enforce,
		strconv.FormatFloat(budget.AlertThresholdPct, 'f', -1, 64),
		budget.Period.Start(l.config.Now()).Unix(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to upsert budget: %w", err)
	}
	return nil
}

// GetBudgets returns the tenant's budget rows
func (l *RedisLedger) GetBudgets(ctx context.Context, tenantID string) ([]models.TenantBudget, error) {
	cmds := make(map[models.Period]*redis.MapStringStringCmd, len(models.Periods))
	_, err := l.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range models.Periods {
			cmds[p] = pipe.HGetAll(ctx, l.budgetKey(tenantID, p))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load budgets: %w", err)
	}

	var out []models.TenantBudget
	for _, p := range models.Periods {
		fields := cmds[p].Val()
		if len(fields) == 0 {
			continue
		}
		out = append(out, parseBudget(tenantID, p, fields))
	}
	if len(out) == 0 {
		return nil, ErrTenantNotFound
	}
	return out, nil
}

func parseBudget(tenantID string, period models.Period, fields map[string]string) models.TenantBudget {
	limit, _ := strconv.ParseInt(fields["limit"], 10, 64)
	committed, _ := strconv.ParseInt(fields["committed"], 10, 64)
	reserved, _ := strconv.ParseInt(fields["reserved"], 10, 64)
	threshold, _ := strconv.ParseFloat(fields["threshold"], 64)
	start, _ := strconv.ParseInt(fields["period_start"], 10, 64)

	return models.TenantBudget{
		TenantID:          tenantID,
		Period:            period,
		Limit:             fromMicros(limit),
		Committed:         fromMicros(committed),
		Reserved:          fromMicros(reserved),
		Enforce:           fields["enforce"] == "1",
		AlertThresholdPct: threshold,
		Alerted:           fields["alerted"] == "1",
		PeriodStart:       time.Unix(start, 0).UTC(),
	}
}

// ResetPeriod zeroes counters and the alerted flag for a new period
func (l *RedisLedger) ResetPeriod(ctx context.Context, tenantID string, period models.Period) error {
	ok, err := resetScript.Run(ctx, l.client, []string{l.budgetKey(tenantID, period)},
		period.Start(l.config.Now()).Unix(),
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to reset period: %w", err)
	}
	if ok == 0 {
		return ErrTenantNotFound
	}
	return nil
}
