package sqlinline

const QInsertTask = `--sql 51e57fef-95a8-4951-97f3-54f131958b4c
insert into job_tasks (id, job_id, task_type, status, attempts, run_after, created_at, updated_at)
values ($1::uuid, $2::uuid, $3::text, 'queued', 0, now(), now(), now())
returning run_after, created_at;
`

// Claims only tasks whose job is still processing, so a task left queued
// behind a finalized job is never picked up again.
const QClaimTask = `--sql 29dfde94-34b9-493a-b8f0-4b24d414ba38
with candidate as (
    select t.id
    from job_tasks t
    join jobs j on j.id = t.job_id
    where t.job_id = $1::uuid
      and t.status = 'queued'
      and t.run_after <= now()
      and j.status = 'processing'
    order by t.created_at asc
    for update of t skip locked
    limit 1
)
update job_tasks t
set status = 'running',
    locked_at = now(),
    attempts = t.attempts + 1,
    updated_at = now()
from candidate
where t.id = candidate.id
  and t.status = 'queued'
returning t.id::text, t.job_id::text, t.task_type, t.status, t.attempts, t.run_after, t.locked_at, coalesce(t.last_error, ''), t.created_at;
`

const QClaimNextTask = `--sql 931f453d-5193-4f07-b66c-feb1e1af3193
with candidate as (
    select t.id
    from job_tasks t
    join jobs j on j.id = t.job_id
    where t.status = 'queued'
      and t.run_after <= now()
      and j.status = 'processing'
    order by t.run_after asc, t.created_at asc
    for update of t skip locked
    limit 1
)
update job_tasks t
set status = 'running',
    locked_at = now(),
    attempts = t.attempts + 1,
    updated_at = now()
from candidate
where t.id = candidate.id
  and t.status = 'queued'
returning t.id::text, t.job_id::text, t.task_type, t.status, t.attempts, t.run_after, t.locked_at, coalesce(t.last_error, ''), t.created_at;
`

const QCompleteTask = `--sql ed552008-d589-4c85-a0c7-a76bacf41cd8
update job_tasks
set status = 'success',
    locked_at = null,
    last_error = null,
    updated_at = now()
where id = $1::uuid
  and status = 'running';
`

const QRequeueTask = `--sql 89b02350-2048-450f-b60a-d232e31fa0ee
update job_tasks
set status = 'queued',
    locked_at = null,
    run_after = now() + make_interval(secs => $2::double precision),
    last_error = $3::text,
    updated_at = now()
where id = $1::uuid
  and status = 'running';
`

const QFailTask = `--sql a6a81fee-feda-4755-b0c0-4b310f8c9c22
update job_tasks
set status = 'failed',
    locked_at = null,
    last_error = $2::text,
    updated_at = now()
where id = $1::uuid
  and status = 'running';
`
