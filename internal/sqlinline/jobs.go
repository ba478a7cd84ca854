package sqlinline

const QInsertJob = `--sql dd347544-c53a-4229-bce1-5301c375d9fb
insert into jobs (id, user_id, type, status, payload, cost_amount, trace_id, client_job_id, fe_attempt, created_at, updated_at)
values (
    $1::uuid,
    $2::text,
    $3::text,
    'processing',
    coalesce($4::jsonb, '{}'::jsonb),
    $5::bigint,
    nullif($6::text, ''),
    nullif($7::text, ''),
    $8::int,
    now(),
    now()
)
on conflict (user_id, client_job_id) where client_job_id is not null do nothing
returning created_at, updated_at;
`

// Creates a job together with its first task. On a client_job_id conflict
// neither row is written and no row is returned.
const QInsertJobWithTask = `--sql 426e9096-75d4-4c4e-9550-20d2be91da26
with j as (
    insert into jobs (id, user_id, type, status, payload, cost_amount, trace_id, client_job_id, fe_attempt, created_at, updated_at)
    values (
        $1::uuid,
        $2::text,
        $3::text,
        'processing',
        coalesce($4::jsonb, '{}'::jsonb),
        $5::bigint,
        nullif($6::text, ''),
        nullif($7::text, ''),
        $8::int,
        now(),
        now()
    )
    on conflict (user_id, client_job_id) where client_job_id is not null do nothing
    returning id, created_at, updated_at
), t as (
    insert into job_tasks (id, job_id, task_type, status, attempts, run_after, created_at, updated_at)
    select $9::uuid, j.id, $3::text, 'queued', 0, now(), now(), now()
    from j
    returning run_after, created_at
)
select j.created_at, j.updated_at, t.run_after, t.created_at
from j cross join t;
`

const QSelectJobByID = `--sql 854c3ee1-6ab5-4d15-98d2-51ec5bdd4b78
select
    id::text,
    user_id,
    type,
    status,
    payload,
    cost_amount,
    coalesce(result_url, ''),
    result_data,
    coalesce(error_code, ''),
    coalesce(error_message, ''),
    coalesce(trace_id, ''),
    coalesce(client_job_id, ''),
    fe_attempt,
    created_at,
    updated_at
from jobs
where id = $1::uuid
limit 1;
`

const QSelectJobByClientID = `--sql fcca425c-bef7-4e52-af80-a485a5f7740b
select
    id::text,
    user_id,
    type,
    status,
    payload,
    cost_amount,
    coalesce(result_url, ''),
    result_data,
    coalesce(error_code, ''),
    coalesce(error_message, ''),
    coalesce(trace_id, ''),
    coalesce(client_job_id, ''),
    fe_attempt,
    created_at,
    updated_at
from jobs
where user_id = $1::text and client_job_id = $2::text
limit 1;
`

const QFinalizeJob = `--sql cffad0a5-8db9-4037-b0f2-b2cf9d324c6c
update jobs
set status = $2::text,
    result_url = nullif($3::text, ''),
    result_data = $4::jsonb,
    error_code = nullif($5::text, ''),
    error_message = nullif($6::text, ''),
    cost_amount = coalesce($7::bigint, cost_amount),
    updated_at = now()
where id = $1::uuid
  and status = 'processing';
`

const QWriteJobSnapshot = `--sql c5b6733b-8dac-4459-a08e-6ed71b5d8b58
update jobs
set result_data = $2::jsonb,
    updated_at = now()
where id = $1::uuid
  and status = 'processing'
  and coalesce((result_data->>'completed')::int, -1) < $3::int;
`

const QRecordJobDerived = `--sql 32b6aa91-da16-4ab9-a4fe-950d689cf305
update jobs
set payload = jsonb_set(payload, '{derived}', $2::jsonb, true),
    updated_at = now()
where id = $1::uuid;
`
