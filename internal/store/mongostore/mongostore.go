// Package mongostore implements store.Store on MongoDB. Executions are one
// document each with their branches and results embedded.
package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/internal/store"
	"github.com/andrej220/fleetexec/pkg/lg"
	"github.com/andrej220/fleetexec/pkg/models"
)

const (
	collJobs         = "jobs"
	collExecutions   = "executions"
	collSchedules    = "schedules"
	collScheduleRuns = "schedule_runs"
	collCounters     = "counters"
)

type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger lg.Logger
}

var _ store.Store = (*MongoStore)(nil)

func New(ctx context.Context, uri, dbName string, logger lg.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = lg.Discard
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to MongoDB")
	}
	//  ping to verify connection
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "failed to ping MongoDB")
	}
	s := &MongoStore{client: client, db: client.Database(dbName), logger: logger}
	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	logger.Info("MongoDB store ready", lg.String("db", dbName))
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	specs := map[string][]mongo.IndexModel{
		collExecutions: {
			{Keys: bson.D{{Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "job_id", Value: 1}, {Key: "serial", Value: 1}}},
		},
		collSchedules:    {{Keys: bson.D{{Key: "active", Value: 1}, {Key: "next_run_at", Value: 1}}}},
		collScheduleRuns: {{Keys: bson.D{{Key: "schedule_id", Value: 1}, {Key: "fired_at", Value: -1}}}},
	}
	for coll, models := range specs {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return errors.Wrapf(err, "create indexes on %s", coll)
		}
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Jobs

func (s *MongoStore) SaveJob(ctx context.Context, job *models.Job) error {
	_, err := s.db.Collection(collJobs).ReplaceOne(ctx, bson.M{"_id": job.ID}, job, options.Replace().SetUpsert(true))
	return errors.Wrapf(err, "save job %s", job.ID)
}

func (s *MongoStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := s.findOne(ctx, collJobs, bson.M{"_id": id}, &job, "job "+id); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *MongoStore) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.Collection(collJobs).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return errors.Wrapf(err, "delete job %s", id)
	}
	if res.DeletedCount == 0 {
		return errors.NewNotFoundError("job %s", id)
	}
	return nil
}

func (s *MongoStore) findOne(ctx context.Context, coll string, filter any, out any, what string) error {
	err := s.db.Collection(coll).FindOne(ctx, filter).Decode(out)
	if err == mongo.ErrNoDocuments {
		return errors.NewNotFoundError("%s", what)
	}
	return errors.Wrapf(err, "find %s", what)
}

// Executions

func (s *MongoStore) NextExecutionSerial(ctx context.Context) (int64, error) {
	var counter struct {
		Value int64 `bson:"value"`
	}
	err := s.db.Collection(collCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": "execution_serial"},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, errors.Wrap(err, "bump execution serial")
	}
	return counter.Value, nil
}

func (s *MongoStore) CreateExecution(ctx context.Context, e *models.Execution) error {
	_, err := s.db.Collection(collExecutions).InsertOne(ctx, e)
	return errors.Wrapf(err, "insert execution %s", e.ID)
}

func (s *MongoStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	var e models.Execution
	if err := s.findOne(ctx, collExecutions, bson.M{"_id": id}, &e, "execution "+id); err != nil {
		return nil, err
	}
	return &e, nil
}

func executionFilter(f store.ExecutionFilter) bson.M {
	filter := bson.M{}
	if f.JobID != "" {
		filter["job_id"] = f.JobID
	}
	if len(f.Statuses) > 0 {
		filter["status"] = bson.M{"$in": f.Statuses}
	}
	if f.CompletedAfter != nil {
		filter["completed_at"] = bson.M{"$gt": *f.CompletedAfter}
	}
	return filter
}

func (s *MongoStore) ListExecutions(ctx context.Context, f store.ExecutionFilter) ([]*models.Execution, error) {
	opts := options.Find().SetSort(bson.D{{Key: "serial", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := s.db.Collection(collExecutions).Find(ctx, executionFilter(f), opts)
	if err != nil {
		return nil, errors.Wrap(err, "list executions")
	}
	var out []*models.Execution
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode executions")
	}
	return out, nil
}

func (s *MongoStore) CountExecutions(ctx context.Context, f store.ExecutionFilter) (map[models.ExecutionStatus]int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: executionFilter(f)}},
		{{Key: "$group", Value: bson.M{"_id": "$status", "n": bson.M{"$sum": 1}}}},
	}
	cur, err := s.db.Collection(collExecutions).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, errors.Wrap(err, "count executions")
	}
	var rows []struct {
		Status string `bson:"_id"`
		N      int    `bson:"n"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, errors.Wrap(err, "decode counts")
	}
	counts := make(map[models.ExecutionStatus]int, len(rows))
	for _, r := range rows {
		counts[models.ExecutionStatus(r.Status)] = r.N
	}
	return counts, nil
}

func (s *MongoStore) UpdateExecution(ctx context.Context, id string, p store.ExecutionPatch) error {
	set := bson.M{}
	if p.Status != nil {
		set["status"] = *p.Status
	}
	if p.Reason != nil {
		set["reason"] = *p.Reason
	}
	if p.CancelRequested != nil {
		set["cancel_requested"] = *p.CancelRequested
	}
	if p.StartedAt != nil {
		set["started_at"] = *p.StartedAt
	}
	if p.CompletedAt != nil {
		set["completed_at"] = *p.CompletedAt
	}
	filter := bson.M{"_id": id}
	if len(p.IfStatus) > 0 {
		filter["status"] = bson.M{"$in": p.IfStatus}
	}
	if len(set) > 0 {
		res, err := s.db.Collection(collExecutions).UpdateOne(ctx, filter, bson.M{"$set": set})
		if err != nil {
			return errors.Wrapf(err, "update execution %s", id)
		}
		if res.MatchedCount > 0 {
			return nil
		}
	}
	var cur struct {
		Status models.ExecutionStatus `bson:"status"`
	}
	if err := s.findOne(ctx, collExecutions, bson.M{"_id": id}, &cur, "execution "+id); err != nil {
		return err
	}
	if !p.Allows(cur.Status) {
		return errors.Wrapf(errors.ErrInvalidState, "execution %s is %s", id, cur.Status)
	}
	return nil
}

func (s *MongoStore) UpdateBranch(ctx context.Context, executionID, targetID string, p store.BranchPatch) error {
	set := bson.M{}
	if p.Status != nil {
		set["branches.$.status"] = *p.Status
	}
	if p.Reason != nil {
		set["branches.$.reason"] = *p.Reason
	}
	if p.StartedAt != nil {
		set["branches.$.started_at"] = *p.StartedAt
	}
	if p.CompletedAt != nil {
		set["branches.$.completed_at"] = *p.CompletedAt
	}
	match := bson.M{"target_id": targetID}
	if len(p.IfStatus) > 0 {
		match["status"] = bson.M{"$in": p.IfStatus}
	}
	if len(set) > 0 {
		res, err := s.db.Collection(collExecutions).UpdateOne(ctx,
			bson.M{"_id": executionID, "branches": bson.M{"$elemMatch": match}},
			bson.M{"$set": set})
		if err != nil {
			return errors.Wrapf(err, "update branch %s", models.BranchID(executionID, targetID))
		}
		if res.MatchedCount > 0 {
			return nil
		}
	}
	e, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	b := e.Branch(targetID)
	if b == nil {
		return errors.NewNotFoundError("branch %s", models.BranchID(executionID, targetID))
	}
	if !p.Allows(b.Status) {
		return errors.Wrapf(errors.ErrInvalidState, "branch %s is %s", b.ID, b.Status)
	}
	return nil
}

func (s *MongoStore) UpdateActionResult(ctx context.Context, executionID, targetID string, r models.ActionResult, ifBranch ...models.BranchStatus) error {
	slot := fmt.Sprintf("results.%d", r.ActionIndex)
	match := bson.M{"target_id": targetID, slot: bson.M{"$exists": true}}
	if len(ifBranch) > 0 {
		match["status"] = bson.M{"$in": ifBranch}
	}
	res, err := s.db.Collection(collExecutions).UpdateOne(ctx,
		bson.M{"_id": executionID, "branches": bson.M{"$elemMatch": match}},
		bson.M{"$set": bson.M{"branches.$." + slot: r}})
	if err != nil {
		return errors.Wrapf(err, "update action result %s", models.ResultID(executionID, targetID, r.ActionIndex))
	}
	if res.MatchedCount > 0 {
		return nil
	}
	e, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	b := e.Branch(targetID)
	if b == nil || r.ActionIndex < 0 || r.ActionIndex >= len(b.Results) {
		return errors.NewNotFoundError("action result %s", models.ResultID(executionID, targetID, r.ActionIndex))
	}
	return errors.Wrapf(errors.ErrInvalidState, "branch %s is %s", b.ID, b.Status)
}

// Schedules

func (s *MongoStore) SaveSchedule(ctx context.Context, sc *models.Schedule) error {
	_, err := s.db.Collection(collSchedules).ReplaceOne(ctx, bson.M{"_id": sc.ID}, sc, options.Replace().SetUpsert(true))
	return errors.Wrapf(err, "save schedule %s", sc.ID)
}

func (s *MongoStore) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	var sc models.Schedule
	if err := s.findOne(ctx, collSchedules, bson.M{"_id": id}, &sc, "schedule "+id); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *MongoStore) findSchedules(ctx context.Context, filter bson.M, sort bson.D) ([]*models.Schedule, error) {
	cur, err := s.db.Collection(collSchedules).Find(ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return nil, errors.Wrap(err, "query schedules")
	}
	var out []*models.Schedule
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode schedules")
	}
	return out, nil
}

func (s *MongoStore) ListSchedules(ctx context.Context, jobID string) ([]*models.Schedule, error) {
	filter := bson.M{}
	if jobID != "" {
		filter["job_id"] = jobID
	}
	return s.findSchedules(ctx, filter, bson.D{{Key: "_id", Value: 1}})
}

func (s *MongoStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*models.Schedule, error) {
	return s.findSchedules(ctx,
		bson.M{"active": true, "next_run_at": bson.M{"$lte": now}},
		bson.D{{Key: "next_run_at", Value: 1}, {Key: "_id", Value: 1}})
}

func (s *MongoStore) AppendScheduleRun(ctx context.Context, run models.ScheduleRun) error {
	_, err := s.db.Collection(collScheduleRuns).InsertOne(ctx, run)
	return errors.Wrapf(err, "record run of schedule %s", run.ScheduleID)
}

func (s *MongoStore) ListScheduleRuns(ctx context.Context, scheduleID string, limit int) ([]models.ScheduleRun, error) {
	opts := options.Find().SetSort(bson.D{{Key: "fired_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.db.Collection(collScheduleRuns).Find(ctx, bson.M{"schedule_id": scheduleID}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "list schedule runs")
	}
	var out []models.ScheduleRun
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode schedule runs")
	}
	return out, nil
}
