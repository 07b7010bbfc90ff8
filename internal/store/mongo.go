package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"license-server/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const licenseCollection = "licenses"

// MongoStore MongoDB 实现，设备绑定使用 FindOneAndUpdate 条件更新
type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	coll := db.Collection(licenseCollection)
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "deviceId", Value: 1}, {Key: "kind", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"kind": string(model.KindTrial)}),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("创建索引失败: %w", err)
	}
	return &MongoStore{coll: coll}, nil
}

func (s *MongoStore) FindByKey(ctx context.Context, key string) (*model.License, error) {
	return s.findOne(ctx, bson.M{"key": key})
}

func (s *MongoStore) FindByDeviceAndKind(ctx context.Context, deviceID string, kind model.Kind) (*model.License, error) {
	return s.findOne(ctx, bson.M{"deviceId": deviceID, "kind": string(kind)})
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (*model.License, error) {
	var license model.License
	err := s.coll.FindOne(ctx, filter).Decode(&license)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询许可证失败: %w", err)
	}
	return &license, nil
}

func (s *MongoStore) Insert(ctx context.Context, license *model.License) error {
	now := time.Now().UTC()
	if license.CreatedAt.IsZero() {
		license.CreatedAt = now
	}
	license.UpdatedAt = now
	if _, err := s.coll.InsertOne(ctx, license); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("创建许可证失败: %w", err)
	}
	return nil
}

func (s *MongoStore) Save(ctx context.Context, license *model.License) error {
	license.UpdatedAt = time.Now().UTC()
	result, err := s.coll.UpdateOne(ctx, bson.M{"key": license.Key}, bson.M{"$set": bson.M{
		"assignedTo": license.AssignedTo,
		"startDate":  license.StartDate,
		"endDate":    license.EndDate,
		"status":     string(license.Status),
		"updatedAt":  license.UpdatedAt,
	}})
	if err != nil {
		return fmt.Errorf("更新许可证失败: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) BindDevice(ctx context.Context, key, deviceID string, at time.Time) (*model.License, error) {
	var license model.License
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"key": key, "deviceId": nil},
		bson.M{"$set": bson.M{"deviceId": deviceID, "lastValidatedAt": at, "updatedAt": at}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&license)
	if err == nil {
		return &license, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("绑定设备失败: %w", err)
	}

	// 未命中：许可证不存在或已绑定
	current, err := s.FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if !current.BoundTo(deviceID) {
		return current, ErrDeviceBound
	}
	return current, nil
}

func (s *MongoStore) RecordValidation(ctx context.Context, key string, at time.Time) (*model.License, error) {
	var license model.License
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"key": key},
		bson.M{
			"$inc": bson.M{"validationCount": 1},
			"$set": bson.M{"lastValidatedAt": at, "updatedAt": at},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&license)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("更新校验次数失败: %w", err)
	}
	return &license, nil
}

func (s *MongoStore) MarkExpired(ctx context.Context, key string, endDate time.Time) (bool, error) {
	filter := bson.M{"key": key, "endDate": bson.M{"$lte": endDate.UTC()}}
	result, err := s.coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"status":    string(model.StatusExpired),
		"updatedAt": time.Now().UTC(),
	}})
	if err != nil {
		return false, fmt.Errorf("更新许可证状态失败: %w", err)
	}
	if result.MatchedCount > 0 {
		return true, nil
	}
	if _, err := s.FindByKey(ctx, key); err != nil {
		return false, err
	}
	return false, nil
}

func (s *MongoStore) Statistics(ctx context.Context, cutoff ExpiryCutoff) (model.LicenseStatistics, error) {
	var stats model.LicenseStatistics
	counts := []struct {
		filter bson.M
		dst    *int64
	}{
		{bson.M{}, &stats.TotalLicenses},
		{bson.M{"$or": bson.A{
			bson.M{"kind": string(model.KindTrial), "endDate": bson.M{"$lt": cutoff.Trial.UTC()}},
			bson.M{"kind": bson.M{"$ne": string(model.KindTrial)}, "endDate": bson.M{"$lt": cutoff.Subscription.UTC()}},
		}}, &stats.ExpiredLicenses},
		{bson.M{"kind": string(model.KindTrial)}, &stats.TrialLicenses},
		{bson.M{"kind": string(model.KindSubscription)}, &stats.SubscriptionLicenses},
		{bson.M{"deviceId": bson.M{"$ne": nil}}, &stats.BoundLicenses},
	}
	for _, c := range counts {
		n, err := s.coll.CountDocuments(ctx, c.filter)
		if err != nil {
			return stats, fmt.Errorf("统计许可证失败: %w", err)
		}
		*c.dst = n
	}

	cursor, err := s.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: "$validationCount"}}},
		}}},
	})
	if err != nil {
		return stats, fmt.Errorf("统计校验次数失败: %w", err)
	}
	var rows []struct {
		Total int64 `bson:"total"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return stats, fmt.Errorf("统计校验次数失败: %w", err)
	}
	if len(rows) > 0 {
		stats.TotalValidations = rows[0].Total
	}

	stats.ActiveLicenses = stats.TotalLicenses - stats.ExpiredLicenses
	return stats, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, nil)
}
