package points

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	interf "github.com/glkeru/loyalty/ledger/internal/interfaces"
	model "github.com/glkeru/loyalty/ledger/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Процент начисления по уровню, если уровень не настроен в базе
var DefaultTiers = map[string]int32{
	"bronze": 1,
	"silver": 2,
	"gold":   3,
	"vip":    5,
}

// Уровни участников программы: коллекции tiers и members
type TiersDB struct {
	mgo     *mongo.Client
	tiers   *mongo.Collection
	members *mongo.Collection
}

var _ interf.TierProvider = (*TiersDB)(nil)

type memberDoc struct {
	UserID string `bson:"userid"`
	Level  string `bson:"level"`
}

type tierDoc struct {
	Level      string `bson:"level"`
	Percent    int32  `bson:"percent"`
	ExpiryDays int    `bson:"expiryDays"`
}

func NewTiersDB() (*TiersDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mng := os.Getenv("POINTS_MONGO")
	if mng == "" {
		return nil, fmt.Errorf("env POINTS_MONGO is not set")
	}

	options := options.Client().ApplyURI("mongodb://" + mng)
	client, err := mongo.Connect(ctx, options)
	if err != nil {
		return nil, err
	}
	err = client.Ping(ctx, nil)
	if err != nil {
		return nil, err
	}
	db := client.Database("loyaltyDB")

	return &TiersDB{client, db.Collection("tiers"), db.Collection("members")}, nil
}

// Уровень участника. Пользователь без записи в members не участвует в программе.
func (t *TiersDB) GetTier(ctx context.Context, user string) (model.Tier, error) {
	member := memberDoc{}
	err := t.members.FindOne(ctx, bson.M{"userid": user}).Decode(&member)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Tier{}, fmt.Errorf("member %s %w", user, model.ErrNotFound)
		}
		return model.Tier{}, err
	}

	tier := tierDoc{}
	err = t.tiers.FindOne(ctx, bson.M{"level": member.Level}).Decode(&tier)
	if err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return model.Tier{}, err
		}
		percent, ok := DefaultTiers[member.Level]
		if !ok {
			return model.Tier{}, fmt.Errorf("tier %s %w", member.Level, model.ErrNotFound)
		}
		return model.Tier{Level: member.Level, Percent: percent}, nil
	}
	return model.Tier{Level: tier.Level, Percent: tier.Percent, ExpiryDays: tier.ExpiryDays}, nil
}

// Запись участника с уровнем, повторный вызов меняет уровень
func (t *TiersDB) SetMember(ctx context.Context, user string, level string) error {
	if _, ok := DefaultTiers[level]; !ok {
		n, err := t.tiers.CountDocuments(ctx, bson.M{"level": level})
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("tier %s %w", level, model.ErrNotFound)
		}
	}
	_, err := t.members.UpdateOne(ctx,
		bson.M{"userid": user},
		bson.M{"$set": bson.M{"userid": user, "level": level}},
		options.Update().SetUpsert(true))
	return err
}

func (t *TiersDB) Close(ctx context.Context) error {
	return t.mgo.Disconnect(ctx)
}
