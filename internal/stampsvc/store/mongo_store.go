package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
)

const (
	membersCollection = "members"
	stampsCollection  = "stamps"
	couponsCollection = "coupons"
)

// MongoStore needs a replica set (or sharded cluster): WithMemberTx uses multi-document
// transactions.
type MongoStore struct {
	client  *mongo.Client
	members *mongo.Collection
	stamps  *mongo.Collection
	coupons *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		client:  db.Client(),
		members: db.Collection(membersCollection),
		stamps:  db.Collection(stampsCollection),
		coupons: db.Collection(couponsCollection),
	}
}

// EnsureIndexes creates the identity uniqueness constraint and the lookup indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.members.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "name", Value: 1}, {Key: "birth_date", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_identity"),
		},
		{
			Keys: bson.D{{Key: "role", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("members indexes: %w", err)
	}

	_, err = s.stamps.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "member_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("stamps indexes: %w", err)
	}

	_, err = s.coupons.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "member_id", Value: 1}, {Key: "used", Value: 1}, {Key: "issued_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("coupons indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) FindOrCreateMember(ctx context.Context, candidate models.Member) (*models.Member, bool, error) {
	filter := bson.M{"name": candidate.Name, "birth_date": candidate.BirthDate}
	update := bson.M{"$setOnInsert": bson.M{
		"_id":        candidate.ID,
		"role":       candidate.Role,
		"created_at": candidate.CreatedAt,
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var m models.Member
	err := s.members.FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if mongo.IsDuplicateKeyError(err) {
		// lost the upsert race against the same identity; the winner is now visible
		err = s.members.FindOne(ctx, filter).Decode(&m)
	}
	if err != nil {
		return nil, false, fmt.Errorf("find or create member: %w", err)
	}
	return &m, m.ID == candidate.ID, nil
}

func (s *MongoStore) GetMember(ctx context.Context, memberID string) (*models.Member, error) {
	return findMember(ctx, s.members, memberID)
}

func findMember(ctx context.Context, members *mongo.Collection, memberID string) (*models.Member, error) {
	var m models.Member
	err := members.FindOne(ctx, bson.M{"_id": memberID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get member %s: %w", memberID, err)
	}
	return &m, nil
}

func (s *MongoStore) ListAdmins(ctx context.Context) ([]models.Member, error) {
	cur, err := s.members.Find(ctx, bson.M{"role": models.RoleAdmin})
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	var admins []models.Member
	if err := cur.All(ctx, &admins); err != nil {
		return nil, fmt.Errorf("decode admins: %w", err)
	}
	return admins, nil
}

func (s *MongoStore) SetPushToken(ctx context.Context, memberID, token string) error {
	update := bson.M{"$set": bson.M{"push_token": token}}
	if token == "" {
		update = bson.M{"$unset": bson.M{"push_token": ""}}
	}

	res, err := s.members.UpdateOne(ctx, bson.M{"_id": memberID}, update)
	if err != nil {
		return fmt.Errorf("set push token: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) ListStamps(ctx context.Context, memberID string) ([]models.Stamp, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cur, err := s.stamps.Find(ctx, bson.M{"member_id": memberID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list stamps: %w", err)
	}
	stamps := []models.Stamp{}
	if err := cur.All(ctx, &stamps); err != nil {
		return nil, fmt.Errorf("decode stamps: %w", err)
	}
	return stamps, nil
}

func (s *MongoStore) ListCoupons(ctx context.Context, memberID string) ([]models.Coupon, error) {
	opts := options.Find().SetSort(bson.D{{Key: "issued_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.coupons.Find(ctx, bson.M{"member_id": memberID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list coupons: %w", err)
	}
	coupons := []models.Coupon{}
	if err := cur.All(ctx, &coupons); err != nil {
		return nil, fmt.Errorf("decode coupons: %w", err)
	}
	return coupons, nil
}

func (s *MongoStore) CountUnusedCoupons(ctx context.Context, memberID string) (int, error) {
	n, err := s.coupons.CountDocuments(ctx, bson.M{"member_id": memberID, "used": false})
	if err != nil {
		return 0, fmt.Errorf("count coupons: %w", err)
	}
	return int(n), nil
}

func (s *MongoStore) RedeemOldestCoupon(ctx context.Context, memberID string, usedAt time.Time, usedDate string) (*models.Coupon, error) {
	filter := bson.M{"member_id": memberID, "used": false}
	update := bson.M{"$set": bson.M{"used": true, "used_at": usedAt, "used_date": usedDate}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "issued_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	var c models.Coupon
	err := s.coupons.FindOneAndUpdate(ctx, filter, update, opts).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, err := s.GetMember(ctx, memberID); err != nil {
			return nil, err
		}
		return nil, ErrNoCoupon
	}
	if err != nil {
		return nil, fmt.Errorf("redeem coupon: %w", err)
	}
	return &c, nil
}

func (s *MongoStore) DeleteUsedCoupon(ctx context.Context, memberID, couponID string) error {
	res, err := s.coupons.DeleteOne(ctx, bson.M{"_id": couponID, "member_id": memberID, "used": true})
	if err != nil {
		return fmt.Errorf("delete coupon: %w", err)
	}
	if res.DeletedCount == 1 {
		return nil
	}

	err = s.coupons.FindOne(ctx, bson.M{"_id": couponID, "member_id": memberID}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup coupon: %w", err)
	}
	return ErrCouponUnused
}

// DeleteMember removes the member and its children in one transaction. The member
// document is written first, so an accrual racing with the delete hits a write
// conflict and either lands before the delete or fails with ErrNotFound after it.
func (s *MongoStore) DeleteMember(ctx context.Context, memberID string) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	var found bool
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		res, err := s.members.DeleteOne(sc, bson.M{"_id": memberID})
		if err != nil {
			return nil, fmt.Errorf("delete member: %w", err)
		}
		found = res.DeletedCount == 1

		if _, err := s.stamps.DeleteMany(sc, bson.M{"member_id": memberID}); err != nil {
			return nil, fmt.Errorf("delete stamps: %w", err)
		}
		if _, err := s.coupons.DeleteMany(sc, bson.M{"member_id": memberID}); err != nil {
			return nil, fmt.Errorf("delete coupons: %w", err)
		}
		return nil, nil
	}, memberTxOptions())
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func memberTxOptions() *options.TransactionOptions {
	return options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
}

func (s *MongoStore) WithMemberTx(ctx context.Context, memberID string, fn func(ctx context.Context, tx Tx) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	// WithTransaction retries fn on TransientTransactionError, which is how a
	// concurrent write to the same member document surfaces.
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, &mongoTx{store: s, memberID: memberID})
	}, memberTxOptions())
	return err
}

type mongoTx struct {
	store    *MongoStore
	memberID string
}

func (t *mongoTx) scope(memberID string) error {
	if memberID != t.memberID {
		return fmt.Errorf("transaction for member %s cannot touch member %s", t.memberID, memberID)
	}
	return nil
}

func (t *mongoTx) ClaimAccrual(ctx context.Context, memberID string, now time.Time, minInterval time.Duration) (bool, time.Time, error) {
	if err := t.scope(memberID); err != nil {
		return false, time.Time{}, err
	}

	filter := bson.M{
		"_id": memberID,
		"$or": bson.A{
			bson.M{"last_stamp_at": nil},
			bson.M{"last_stamp_at": bson.M{"$lte": now.Add(-minInterval)}},
		},
	}
	res, err := t.store.members.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"last_stamp_at": now}})
	if err != nil {
		return false, time.Time{}, fmt.Errorf("claim accrual: %w", err)
	}
	if res.MatchedCount == 1 {
		return true, time.Time{}, nil
	}

	m, err := findMember(ctx, t.store.members, memberID)
	if err != nil {
		return false, time.Time{}, err
	}
	if m.LastStampAt == nil {
		return false, time.Time{}, fmt.Errorf("claim accrual: member %s changed during claim", memberID)
	}
	return false, *m.LastStampAt, nil
}

func (t *mongoTx) InsertStamp(ctx context.Context, stamp models.Stamp) error {
	if err := t.scope(stamp.MemberID); err != nil {
		return err
	}
	if _, err := t.store.stamps.InsertOne(ctx, stamp); err != nil {
		return fmt.Errorf("insert stamp: %w", err)
	}
	return nil
}

func (t *mongoTx) CountStamps(ctx context.Context, memberID string) (int, error) {
	if err := t.scope(memberID); err != nil {
		return 0, err
	}
	n, err := t.store.stamps.CountDocuments(ctx, bson.M{"member_id": memberID})
	if err != nil {
		return 0, fmt.Errorf("count stamps: %w", err)
	}
	return int(n), nil
}

func (t *mongoTx) InsertCoupon(ctx context.Context, coupon models.Coupon) error {
	if err := t.scope(coupon.MemberID); err != nil {
		return err
	}
	if _, err := t.store.coupons.InsertOne(ctx, coupon); err != nil {
		return fmt.Errorf("insert coupon: %w", err)
	}
	return nil
}

func (t *mongoTx) ClearStamps(ctx context.Context, memberID string) (int, error) {
	if err := t.scope(memberID); err != nil {
		return 0, err
	}
	res, err := t.store.stamps.DeleteMany(ctx, bson.M{"member_id": memberID})
	if err != nil {
		return 0, fmt.Errorf("clear stamps: %w", err)
	}
	return int(res.DeletedCount), nil
}
